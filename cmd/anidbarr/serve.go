package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amaumene/anidbarr/internal/api"
	"github.com/amaumene/anidbarr/internal/config"
	"github.com/amaumene/anidbarr/internal/scheduler"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled collection checks and the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.logger.WithField("version", version).Info("Starting anidbarr")

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.start(ctx)
	a.login(ctx)

	// Initialize scheduler
	sched := scheduler.NewScheduler(a.collectionCtrl, a.cleanupCtrl, cfg.ScanSchedule, a.logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// Initialize HTTP server
	server := api.NewServer(cfg.ServerPort, a.db, a.collectionCtrl, a.events, a.client, a.registry, a.logger)

	// Start returns once ctx is cancelled and the server has shut down
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a.logger.Info("anidbarr is running")

	select {
	case err := <-serverDone:
		return err
	case sig := <-sigChan:
		a.logger.WithField("signal", sig).Info("Received shutdown signal")
	case <-parent.Done():
	}

	cancel()
	if err := <-serverDone; err != nil {
		a.logger.WithError(err).Error("Error during server shutdown")
	}

	a.logger.Info("anidbarr stopped")
	return nil
}
