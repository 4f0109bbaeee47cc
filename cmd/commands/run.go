package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/browser"
	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/files"
	"github.com/dohr-michael/genbatch/internal/gateway"
	"github.com/dohr-michael/genbatch/internal/handles"
	"github.com/dohr-michael/genbatch/internal/heartbeat"
	"github.com/dohr-michael/genbatch/internal/orchestrator"
	"github.com/dohr-michael/genbatch/internal/render"
	"github.com/dohr-michael/genbatch/internal/runs"
	"github.com/dohr-michael/genbatch/internal/tasks"
)

const fileRequestTimeout = 10 * time.Second

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Generate one image per task of a task file",
		ArgsUsage: "<task-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Conversation URL every task must run in",
			},
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "Run Chrome without a window",
			},
			&cli.BoolFlag{
				Name:  "no-gateway",
				Usage: "Do not start the status server",
			},
		},
		Action: runBatch,
	}
}

func runBatch(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: genbatch run <task-file>")
	}
	taskFile := cmd.Args().First()

	list, err := tasks.LoadFile(taskFile)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	if cmd.IsSet("url") {
		url := cmd.String("url")
		reloader.Override(func(c *config.Config) { c.Run.LockedURL = url })
	}
	if cmd.IsSet("headless") {
		headless := cmd.Bool("headless")
		reloader.Override(func(c *config.Config) { c.Browser.Headless = headless })
	}
	cfg = reloader.Current()
	logger := slog.Default()

	if err := os.MkdirAll(config.HomePath(), 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	if status, hb, _ := heartbeat.Check(config.HeartbeatPath(), 3*heartbeat.DefaultInterval); status == heartbeat.StatusAlive && hb.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", heartbeat.ErrBusy, hb.PID)
	}

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	// Folder handles and the file service behind them
	handleStore, err := handles.OpenStore(config.HandlesPath())
	if err != nil {
		return err
	}
	defer handleStore.Close()

	svc := files.NewService(handleStore, files.OptionsFromConfig(cfg), logger)
	stopFiles := files.Serve(ctx, bus, svc)
	defer stopFiles()

	// Browser
	br, err := browser.Launch(ctx, cfg.Browser, logger)
	if err != nil {
		return err
	}
	defer br.Close()
	br.SetSelectors(cfg.Selectors)
	if h, err := handleStore.Get(ctx, handles.Source); err == nil {
		br.SetDownloadDir(h.Path)
	} else {
		slog.Warn("no source folder granted, downloads go to the browser default", "error", err)
	}

	fileClient := files.NewClient(bus, fileRequestTimeout, cfg.Run.DownloadTimeout.Duration())
	followFiles := followReload(svc, fileClient)
	reloader.OnReload(func(c *config.Config) {
		followFiles(c)
		br.SetSelectors(c.Selectors)
	})

	// Run records
	runStore := runs.NewFileStore(config.RunsPath())
	if n, err := runs.RecoverRuns(runStore); err != nil {
		slog.Warn("recover runs", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted runs", "count", n)
	}
	eventLog := runs.NewEventLogger(runStore, bus)
	defer eventLog.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Bus:        bus,
		Browser:    br,
		Dispatcher: orchestrator.Inject(automator.New(bus, fileClient, logger)),
		Files:      fileClient,
		Config:     reloader,
		Runs:       runStore,
		Logger:     logger,
	})

	// Status server
	gatewayAddr := ""
	if !cmd.Bool("no-gateway") {
		server := gateway.NewServer(bus, orch, cfg.Gateway.Host, cfg.Gateway.Port)
		go func() {
			if err := server.Start(); err != nil {
				slog.Warn("gateway stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		gatewayAddr = gatewayURL(cfg)
	}

	hb := heartbeat.NewWriter(config.HeartbeatPath(), heartbeat.DefaultInterval, func() heartbeat.Progress {
		return progressOf(orch.State(), gatewayAddr)
	})
	if err := hb.Start(); err != nil {
		return err
	}
	defer hb.Stop()

	// Terminal
	live := render.NewLive(os.Stdout)
	unsubscribe := bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.EventTaskComplete, events.EventTaskError, events.EventRunStarted:
			live.Println(render.EventLine(e.Timestamp, string(e.Type), e.Payload))
		}
		live.Update(orch.State())
		hb.Touch()
	}, events.EventRunStarted, events.EventRunProgress, events.EventTaskComplete, events.EventTaskError, events.EventStatusUpdate)

	st, runErr := orch.Run(ctx, list, orchestrator.RunOptions{TaskFile: taskFile})
	unsubscribe()
	live.Done()

	lipgloss.Println(render.Summary(st))
	return runErr
}

func progressOf(st orchestrator.RunState, gatewayAddr string) heartbeat.Progress {
	return heartbeat.Progress{
		RunID:       st.RunID,
		Phase:       string(st.Phase),
		Status:      st.Status,
		CurrentTask: st.CurrentTask,
		Completed:   st.CompletedCount,
		Skipped:     st.SkippedCount,
		Total:       st.Total,
		Gateway:     gatewayAddr,
	}
}

// followReload keeps the file service and its client on the same download
// timeout after a configuration reload.
func followReload(svc *files.Service, client *files.Client) func(*config.Config) {
	return func(c *config.Config) {
		opts := files.OptionsFromConfig(c)
		svc.SetOptions(opts)
		client.SetDownloadTimeout(opts.Timeout)
	}
}
