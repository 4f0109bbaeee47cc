package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/genbatch/clients/ws"
	wsprotocol "github.com/dohr-michael/genbatch/internal/gateway/ws"
	"github.com/dohr-michael/genbatch/internal/orchestrator"
	"github.com/dohr-michael/genbatch/internal/render"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "Follow the running batch live",
		Action: runWatch,
	}
}

// NewStopCommand returns the stop subcommand.
func NewStopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop the running batch after the current step",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(c *wsclient.Client) error {
				if err := c.Stop(); err != nil {
					return fmt.Errorf("stop: %w", err)
				}
				fmt.Println("Stopping.")
				return nil
			})
		},
	}
}

// NewResetCommand returns the reset subcommand.
func NewResetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Stop any run and clear its state and duplicate memory",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(c *wsclient.Client) error {
				st, err := c.Reset()
				if err != nil {
					return fmt.Errorf("reset: %w", err)
				}
				lipgloss.Print(render.Summary(st))
				return nil
			})
		},
	}
}

func withClient(ctx context.Context, cmd *cli.Command, fn func(c *wsclient.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := wsclient.Dial(dialCtx, gatewayWSURL(cfg))
	if err != nil {
		return fmt.Errorf("no running batch at %s: %w", gatewayURL(cfg), err)
	}
	defer c.Close()
	return fn(c)
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := wsclient.Dial(ctx, gatewayWSURL(cfg))
	if err != nil {
		return fmt.Errorf("no running batch at %s: %w", gatewayURL(cfg), err)
	}
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		return err
	}
	live := render.NewLive(os.Stdout)
	defer live.Done()
	live.Update(st)

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			continue
		}

		switch f.Event {
		case wsprotocol.EventSnapshot:
			if err := json.Unmarshal(f.Payload, &st); err == nil {
				live.Update(st)
			}
		case "run.progress":
			var p struct {
				Phase        orchestrator.Phase `json:"phase"`
				Status       string             `json:"status"`
				CurrentIndex int                `json:"current_index"`
				Completed    int                `json:"completed"`
				Total        int                `json:"total"`
				Skipped      int                `json:"skipped"`
				Elapsed      time.Duration      `json:"elapsed"`
				Remaining    time.Duration      `json:"remaining"`
			}
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			st.RunID = f.RunID
			st.Phase = p.Phase
			st.IsRunning = p.Phase == orchestrator.PhaseRunning
			st.Status = p.Status
			st.CurrentIndex = p.CurrentIndex
			st.CompletedCount = p.Completed
			st.Total = p.Total
			st.SkippedCount = p.Skipped
			st.Elapsed = p.Elapsed
			st.Remaining = p.Remaining
			live.Update(st)
		case "status.update":
			if msg, ok := payload["message"].(string); ok {
				st.Status = msg
				live.Update(st)
			}
		default:
			live.Println(render.EventLine(time.Now(), f.Event, payload))
		}
	}
}
