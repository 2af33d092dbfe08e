package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openclaw/gatewaykit/pkg/client"
)

func callCmd(flags *globalFlags) *cobra.Command {
	var idemKey string

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke one gateway method and print the result",
		Long: `Connect, invoke a single method, print the JSON result, and disconnect.

Params, when given, must be a JSON object. Side-effecting methods get an
idempotency key automatically; pass --idempotency-key to pin one for safe
manual retries.

Examples:
  gatewayctl call health
  gatewayctl call sessions.list
  gatewayctl call chat.send '{"sessionId":"s1","text":"hello"}'
  gatewayctl call cron.run '{"jobId":"nightly"}' --idempotency-key run-42`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(flags, args, idemKey)
		},
	}

	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Explicit idempotency key for the call")

	return cmd
}

func runCall(flags *globalFlags, args []string, idemKey string) error {
	method := args[0]
	var params any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

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

	var opts []client.RequestOption
	if idemKey != "" {
		opts = append(opts, client.WithIdempotencyKey(idemKey))
	}
	payload, err := c.Request(ctx, method, params, opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	return printJSON(payload)
}

func printJSON(payload json.RawMessage) error {
	if len(payload) == 0 {
		fmt.Println("null")
		return nil
	}
	var buf any
	if err := json.Unmarshal(payload, &buf); err != nil {
		// Not JSON after all; print raw.
		fmt.Println(string(payload))
		return nil
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
