package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channelhub/internal/bus"
	"channelhub/internal/gateway"
	"channelhub/internal/metrics"
	"channelhub/internal/registry"
	"channelhub/internal/retention"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		Long:  "Serves the websocket endpoint and the HTTP API, drains the persistence pipe and runs the retention sweeper. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	rootLogger, logCloser, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = rootLogger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	events := bus.NewEventBus(logger)
	persist := bus.New(cfg.Persist.BufferSize, logger)
	reg := registry.New(registry.Config{
		Bus:        events,
		Logger:     logger,
		MaxHistory: cfg.Server.MaxHistory,
	})
	svc := b.queueService(m)

	srv, err := gateway.New(gateway.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		WSPath:          cfg.Server.WSPath,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		SendBuffer:      cfg.Server.SendBuffer,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		PingInterval:    time.Duration(cfg.Server.PingIntervalSeconds) * time.Second,
		EventsPerSecond: cfg.Server.EventsPerSecond,
		EventBurst:      cfg.Server.EventBurst,
		MaxBlobBytes:    cfg.Data.MaxBlobBytes,
		MetricsPath:     cfg.Metrics.Path,
		Registry:        reg,
		Events:          events,
		Persist:         persist,
		Queue:           svc,
		Messages:        b.sqlite,
		Data:            b.data,
		Orders:          b.sqlite,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if err := svc.RefreshDepth(ctx); err != nil {
		logger.Warn("initial queue depth", "err", err)
	}

	if cfg.Retention.Enabled {
		sweeper, err := retention.New(retention.Config{
			Data:    b.data,
			Queue:   svc,
			Cron:    cfg.Retention.Cron,
			TTL:     time.Duration(cfg.Retention.DataTTLHours) * time.Hour,
			Metrics: m,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		go sweeper.Start(ctx)
	} else {
		logger.Info("retention sweeper disabled")
	}

	logger.Info("channelhub started. Press Ctrl+C to stop.", "version", version)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
