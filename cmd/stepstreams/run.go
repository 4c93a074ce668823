package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/stepstreams/engine"
	"github.com/c360/stepstreams/metric"
)

const defaultShutdownTimeout = 30 * time.Second

func runCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline consumer until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := flags.logger(cfg, cmd.ErrOrStderr())
			logger.Info("starting stepstreams", "build_time", BuildTime, "config", flags.configPaths)

			eng, err := engine.New(cfg,
				engine.WithLogger(logger),
				engine.WithMetricsRegistry(metric.NewMetricsRegistry()),
				engine.WithVersion(Version),
			)
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			logger.Info("stepstreams started", "pipelines", eng.Pipelines())

			<-ctx.Done()
			logger.Info("received shutdown signal")

			timeout := cfg.Service.ShutdownTimeout.Duration()
			if timeout <= 0 {
				timeout = defaultShutdownTimeout
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := eng.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			logger.Info("stepstreams shutdown complete")
			return nil
		},
	}
}
