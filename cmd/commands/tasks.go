package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/genbatch/internal/handles"
	"github.com/dohr-michael/genbatch/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect task files",
		Commands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "Validate a task file and show which outputs already exist",
				ArgsUsage: "<task-file>",
				Action:    runTasksCheck,
			},
		},
	}
}

func runTasksCheck(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: genbatch tasks check <task-file>")
	}
	list, err := tasks.LoadFile(cmd.Args().First())
	if err != nil {
		return err
	}

	var existing []string
	store, err := openHandleStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if dir, err := store.Open(ctx, handles.Output); err == nil {
		existing, _ = dir.Names()
	} else {
		fmt.Printf("output folder unavailable (%v), existence not checked\n", err)
	}

	queue := tasks.BuildQueue(list, existing)
	pending := make(map[int]bool, queue.Len())
	for _, e := range queue.Entries() {
		pending[e.ListIndex] = true
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tOUTPUT\tSTATE")
	for i, t := range list {
		state := "pending"
		if !pending[i] {
			state = "exists"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, t.Name, t.TargetFilename(), state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d tasks, %d pending, %d already generated\n", len(list), queue.Len(), len(list)-queue.Len())
	return nil
}
