package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func eventsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [name...]",
		Short: "Stream gateway events to stdout",
		Long: `Connect and print events as JSON lines until interrupted.

With no arguments every event is streamed; otherwise only the named
events are.

Examples:
  gatewayctl events
  gatewayctl events health.changed agent.output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(flags, args)
		},
	}
	return cmd
}

type eventLine struct {
	TS      string          `json:"ts"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func runEvents(flags *globalFlags, names []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := buildClient(flags)
	if err != nil {
		return err
	}
	defer cleanup()
	defer c.Destroy()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var outMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	print := func(name string, payload json.RawMessage) {
		outMu.Lock()
		defer outMu.Unlock()
		enc.Encode(eventLine{
			TS:      time.Now().Format(time.RFC3339Nano),
			Event:   name,
			Payload: payload,
		})
	}

	if len(names) == 0 {
		defer c.OnAny(print)()
	} else {
		for _, name := range names {
			defer c.On(name, print)()
		}
	}

	fmt.Fprintln(os.Stderr, "streaming events, ctrl-c to stop")
	<-ctx.Done()
	return nil
}
