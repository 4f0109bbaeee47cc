package commands

import (
	"context"
	"errors"
	"fmt"

	"charm.land/lipgloss/v2"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/render"
	"github.com/dohr-michael/genbatch/internal/runs"
)

// NewRunsCommand returns the runs subcommand.
func NewRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Browse past runs",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List recorded runs",
				Action: runRunsList,
			},
			{
				Name:      "show",
				Usage:     "Show a run and its event log",
				ArgsUsage: "<run_id>",
				Action:    runRunsShow,
			},
		},
		DefaultCommand: "list",
	}
}

func runRunsList(_ context.Context, _ *cli.Command) error {
	store := runs.NewFileStore(config.RunsPath())
	list, err := store.List()
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	records := make([]runs.Record, len(list))
	for i, r := range list {
		records[i] = *r
	}
	lipgloss.Print(render.RunsTable(records))
	return nil
}

func runRunsShow(_ context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: genbatch runs show <run_id>")
	}
	store := runs.NewFileStore(config.RunsPath())

	rec, err := store.Get(cmd.Args().First())
	if err != nil {
		return err
	}
	lipgloss.Print(render.RunsTable([]runs.Record{*rec}))

	evs, err := store.LoadEvents(rec.ID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	for _, e := range evs {
		lipgloss.Println(render.EventLine(e.Timestamp, string(e.Type), e.Payload))
	}
	return nil
}
