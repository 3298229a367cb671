package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/httpapi"
	"github.com/jkaninda/runbox/internal/queue"
	"github.com/jkaninda/runbox/internal/ratelimit"
)

var (
	serveConfigPath string
	serveListen     string
	serveNoJanitor  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `runbox --config path` and `runbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListen, "listen", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveNoJanitor, "no-janitor", false, "do not run cleanup sweeps in this process")
	}
}

// runServe starts the HTTP API and, unless disabled, the janitor.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.HTTP.ListenAddr = serveListen
	}

	logger.Info("starting api server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := sc.initEvents()
	if err != nil {
		return err
	}

	apiCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Listen(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxBody(),
		Version:        version,
		HealthChecker:  sc.Obs.HealthOrNil(),
		Tracer:         sc.Obs.SpanTracer(),
	}
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		apiCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		apiCfg.Metrics = sc.Obs.Metrics
		if m := cfg.Observability.Metrics; m != nil && m.Path != "" {
			apiCfg.MetricsPath = m.Path
		}
	}

	server := httpapi.New(apiCfg, sc.Engine, sc.Store, logger).
		WithEvents(bus).
		WithAdmission(
			ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
				BurstSize:         cfg.HTTP.RateLimit.BurstSize,
			}),
			ratelimit.NewSlots(cfg.HTTP.Concurrency()),
		)
	if sc.Obs != nil {
		server.WithAnomalyDetector(sc.Obs.Anomaly)
	}
	if q := sc.initQueue(queue.NewMetrics(sc.Obs.Registry())); q != nil {
		server.WithQueue(q)
		logger.Info("async executions enabled", slog.String("stream", cfg.Queue.StreamName()))
	}
	if len(cfg.HTTP.APIKeys) == 0 {
		logger.Warn("no api keys configured, the api is open to anonymous clients")
	}

	if !serveNoJanitor && cfg.Janitor.Enabled() {
		janitor, err := sc.initJanitor()
		if err != nil {
			return err
		}
		stopJanitor := janitor.Start(ctx)
		defer stopJanitor()
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(ctx)
	}()
	logger.Info("api server started", slog.String("listen", apiCfg.ListenAddr))

	// Wait for shutdown signal or fatal error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping api server", slog.String("error", err.Error()))
	}

	logger.Info("runbox stopped")
	return nil
}
