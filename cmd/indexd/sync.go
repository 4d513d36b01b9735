package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mythos-app/indexd/internal/config"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Process every due sync job once and exit",
	Long: `Process every due sync job once and exit.

Claims and executes due jobs until the queue has none left. Failed jobs back
off or park as usual and are not retried within the same run. Useful for
catch-up syncs while the daemon is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncOnce()
	},
}

func runSyncOnce() error {
	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, closeLogs := config.SetupLogger(cfg.Log.File, level)
	defer closeLogs()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, closeDaemon, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDaemon()

	// Recover leases a crashed daemon may have left behind before draining.
	if n, err := d.gc.RequeueStaleProcessing(); err != nil {
		return fmt.Errorf("recovering stale leases: %w", err)
	} else if n > 0 {
		printStep("Recovered %d stale jobs", n)
	}

	printStep("Processing due jobs...")
	n, err := d.runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	printSuccess("Processed %d jobs", n)
	return nil
}
