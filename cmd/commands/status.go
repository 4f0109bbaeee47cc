package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/heartbeat"
	"github.com/dohr-michael/genbatch/internal/orchestrator"
	"github.com/dohr-michael/genbatch/internal/render"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of the running batch",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the raw run state",
			},
		},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	status, hb, err := heartbeat.Check(config.HeartbeatPath(), 3*heartbeat.DefaultInterval)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}

	switch status {
	case heartbeat.StatusDead:
		fmt.Println("genbatch: NOT RUNNING")
		return nil
	case heartbeat.StatusStale:
		fmt.Printf("genbatch: STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
		return nil
	}

	base := ""
	if hb.Progress != nil {
		base = hb.Progress.Gateway
	}
	if base == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		base = gatewayURL(cfg)
	}

	st, err := fetchState(ctx, base)
	if err != nil {
		// No gateway: fall back to what the heartbeat carries.
		fmt.Printf("genbatch: ALIVE (PID %d, uptime %s)\n", hb.PID, hb.Uptime)
		if p := hb.Progress; p != nil {
			fmt.Printf("%s %s %s\n", p.Phase, render.Counts(p.Completed+p.Skipped, p.Skipped, p.Total), p.Status)
		}
		return nil
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	lipgloss.Print(render.Summary(st))
	return nil
}

func fetchState(ctx context.Context, base string) (orchestrator.RunState, error) {
	var st orchestrator.RunState
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("gateway: %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}
