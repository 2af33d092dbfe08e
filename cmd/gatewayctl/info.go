package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func infoCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print what the gateway advertised at connect time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(flags)
		},
	}
	return cmd
}

func runInfo(flags *globalFlags) error {
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

	p := c.Profile()
	if p == nil {
		return fmt.Errorf("no server profile after connect")
	}

	fmt.Printf("Gateway:     %s\n", p.GatewayURL)
	fmt.Printf("Server:      %s (conn %s)\n", p.Server.Version, p.Server.ConnID)
	if p.Server.Host != "" {
		fmt.Printf("Host:        %s\n", p.Server.Host)
	}
	fmt.Printf("Protocol:    %d\n", p.Protocol)
	fmt.Printf("Tick:        %dms\n", p.Policy.TickIntervalMs)
	if p.Policy.MaxPayload > 0 {
		fmt.Printf("Max payload: %d bytes\n", p.Policy.MaxPayload)
	}
	if p.AuthToken != "" {
		fmt.Printf("Auth:        device token issued\n")
	}
	fmt.Printf("Methods:     %s\n", strings.Join(p.Features.Methods, ", "))
	fmt.Printf("Events:      %s\n", strings.Join(p.Features.Events, ", "))
	return nil
}
