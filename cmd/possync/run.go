package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tillware/possync/internal/events"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the register client with background sync",
	Long:  "Starts the connectivity monitor and sync engine and keeps them running until interrupted.",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, cfg, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	slog.Info("register client started",
		"version", Version,
		"db_path", cfg.Storage.Path,
		"branch_id", cfg.API.BranchID,
		"degraded_storage", client.DegradedStorage(),
	)

	client.Start(ctx)

	// Surface sync outcomes while running; the bus also feeds any embedding UI.
	ch, unsubscribe := client.Events()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown initiated")
			return nil
		case e := <-ch:
			if done, ok := e.(events.SyncCompleted); ok && done.Report.Attempted > 0 {
				slog.Info("sync cycle report",
					"cycle_id", done.Report.CycleID,
					"synced", done.Report.Synced,
					"failed", done.Report.Failed,
					"dead_lettered", done.Report.DeadLettered,
				)
			}
		}
	}
}
