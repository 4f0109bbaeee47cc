package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/handles"
)

// NewHandlesCommand returns the handles subcommand.
func NewHandlesCommand() *cli.Command {
	return &cli.Command{
		Name:  "handles",
		Usage: "Manage the source and output folders",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Grant a folder (source: where the browser downloads, output: where images are saved)",
				ArgsUsage: "<source|output> <dir>",
				Action:    runHandlesSet,
			},
			{
				Name:   "list",
				Usage:  "List granted folders",
				Action: runHandlesList,
			},
			{
				Name:   "check",
				Usage:  "Verify read and write access to both folders",
				Action: runHandlesCheck,
			},
			{
				Name:      "rm",
				Usage:     "Forget a folder",
				ArgsUsage: "<source|output>",
				Action:    runHandlesRemove,
			},
		},
		DefaultCommand: "list",
	}
}

func openHandleStore() (*handles.Store, error) {
	return handles.OpenStore(config.HandlesPath())
}

func handleName(arg string) (string, error) {
	switch arg {
	case handles.Source, handles.Output:
		return arg, nil
	default:
		return "", fmt.Errorf("unknown folder %q: expected %q or %q", arg, handles.Source, handles.Output)
	}
}

func runHandlesSet(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return errors.New("usage: genbatch handles set <source|output> <dir>")
	}
	name, err := handleName(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	path := cmd.Args().Get(1)

	// Validate before persisting.
	if _, err := handles.OpenDir(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	store, err := openHandleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Set(ctx, name, path); err != nil {
		return err
	}
	h, err := store.Get(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s folder set to %s\n", name, h.Path)
	return nil
}

func runHandlesList(ctx context.Context, _ *cli.Command) error {
	store, err := openHandleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No folders granted. Use: genbatch handles set <source|output> <dir>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tGRANTED")
	for _, h := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.Name, h.Path, h.GrantedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runHandlesCheck(ctx context.Context, _ *cli.Command) error {
	store, err := openHandleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	failed := 0
	for _, name := range []string{handles.Source, handles.Output} {
		dir, err := store.Open(ctx, name)
		if err != nil {
			failed++
			fmt.Printf("%-7s FAIL %v\n", name, err)
			continue
		}
		names, err := dir.Names()
		if err != nil {
			failed++
			fmt.Printf("%-7s FAIL %v\n", name, err)
			continue
		}
		fmt.Printf("%-7s ok   %s (%d entries)\n", name, dir.Path(), len(names))
	}
	if failed > 0 {
		return fmt.Errorf("%d folder(s) unusable", failed)
	}
	return nil
}

func runHandlesRemove(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: genbatch handles rm <source|output>")
	}
	name, err := handleName(cmd.Args().First())
	if err != nil {
		return err
	}

	store, err := openHandleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, name); err != nil {
		return err
	}
	fmt.Printf("%s folder forgotten\n", name)
	return nil
}
