package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/callroom/internal/app"
	"github.com/ent0n29/callroom/internal/config"
)

var version = "dev" // set via ldflags at build time

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "callroom",
		Short: "Ephemeral video call room orchestrator",
		Long: `callroom provisions a private platform room for every purchased call,
admits both participants, and removes the room when the paid time runs out.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd(), newReconcileCmd(), newStatusCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withBuild(ctx, func(res *app.BuildResult) error {
				return res.Serve(ctx)
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile persisted sessions once and print the report",
		Long: `reconcile cancels stale pending sessions, fires teardowns that are past due
and reports what it changed. Sessions still running are left for "serve" to expire.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withBuild(ctx, func(res *app.BuildResult) error {
				done := runClient(ctx, res)
				defer done()
				report, err := res.Orchestrator.Reconcile(ctx)
				if err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session_id>",
		Short: "Print the persisted state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBuild(ctx, func(res *app.BuildResult) error {
				sess, err := res.Orchestrator.GetSessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func withBuild(ctx context.Context, fn func(res *app.BuildResult) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	res, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(res)
	if err := res.Cleanup(); err != nil && runErr == nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return runErr
}

// runClient serves platform calls for one-shot commands and returns its stop function.
func runClient(ctx context.Context, res *app.BuildResult) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = res.Client.Run(context.WithoutCancel(ctx))
	}()
	return func() {
		res.Client.Close()
		<-done
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
