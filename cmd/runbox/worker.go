package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/queue"
)

var (
	workerConfigPath  string
	workerConcurrency int
	workerMetrics     string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued executions",
	Long: `Worker joins the Redis Streams consumer group, runs each queued execution,
stores its outcome, publishes lifecycle events and acknowledges the entry.
Environment references in queued requests are resolved here.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "override queue.workers")
	workerCmd.Flags().StringVar(&workerMetrics, "metrics-listen", "", "serve /metrics on this address (e.g. :9090)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig(workerConfigPath)
	if err != nil {
		return err
	}
	if !cfg.AsyncEnabled() {
		return fmt.Errorf("queue.addr is required to run a worker (set RUNBOX_REDIS_ADDR env var)")
	}

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := sc.initEvents()
	if err != nil {
		return err
	}

	metrics := queue.NewMetrics(sc.Obs.Registry())
	q := sc.initQueue(metrics)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = q.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Queue.Addr, err)
	}

	workers := cfg.Queue.Concurrency()
	if workerConcurrency > 0 {
		workers = workerConcurrency
	}
	worker := queue.NewWorker(q, sc.Engine, sc.Store, bus, initSecrets(cfg), workers, logger).
		WithMetrics(metrics).
		OnFinished(sc.recordAnomaly())

	if workerMetrics != "" {
		if reg := sc.Obs.Registry(); reg != nil {
			srv := &http.Server{
				Addr:              workerMetrics,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(_ net.Listener) context.Context { return ctx },
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics listener failed", slog.String("error", err.Error()))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		} else {
			logger.Warn("metrics are disabled, --metrics-listen ignored")
		}
	}

	logger.Info("worker started",
		slog.String("stream", cfg.Queue.StreamName()),
		slog.String("consumer", cfg.Queue.ConsumerName()),
		slog.Int("workers", workers),
	)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
