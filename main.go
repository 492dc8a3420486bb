package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pthm-cable/oceannoise/config"
	"github.com/pthm-cable/oceannoise/ensemble"
	"github.com/pthm-cable/oceannoise/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	seed := flag.Uint64("seed", 0, "Base seed (0 = ensemble.seed, then time-based)")
	members := flag.Int("members", 0, "Ensemble members (0 = use config)")
	steps := flag.Int("steps", 0, "Steps to run (0 = use config)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, config snapshot and checkpoints")
	backend := flag.String("backend", "", "Noise backend: reference or parallel (empty = use config)")
	metricsAddr := flag.String("metrics-addr", "", "Serve /metrics and /healthz on this address (empty = use config)")
	restore := flag.String("restore", "", "Checkpoint file, or directory to resume from its latest checkpoint")
	logStats := flag.Bool("log-stats", false, "Output stats via slog")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(runOptions{
		configPath:  *configPath,
		seed:        *seed,
		members:     *members,
		steps:       *steps,
		outputDir:   *outputDir,
		backend:     *backend,
		metricsAddr: *metricsAddr,
		restore:     *restore,
		logStats:    *logStats,
	}, logger); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath  string
	seed        uint64
	members     int
	steps       int
	outputDir   string
	backend     string
	metricsAddr string
	restore     string
	logStats    bool
}

func run(opts runOptions, logger *slog.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer telemetry.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	var metrics *telemetry.Metrics
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		metrics, err = telemetry.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           newRouter(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	e, err := ensemble.New(ensemble.Options{
		Config:    cfg,
		Seed:      opts.seed,
		OutputDir: opts.outputDir,
		LogStats:  opts.logStats,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("create ensemble: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("failed to close output", "error", err)
		}
	}()

	if opts.restore != "" {
		if err := restoreCheckpoint(e, opts.restore); err != nil {
			return err
		}
	}

	return e.Run(ctx, cfg.Ensemble.Steps)
}

// loadConfig loads the config file and applies CLI overrides.
func loadConfig(opts runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.members > 0 {
		cfg.Ensemble.Members = opts.members
	}
	if opts.steps > 0 {
		cfg.Ensemble.Steps = opts.steps
	}
	if opts.backend != "" {
		cfg.Backend.Kind = opts.backend
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = opts.metricsAddr
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// restoreCheckpoint resumes e from a checkpoint file or the newest checkpoint
// in a directory.
func restoreCheckpoint(e *ensemble.Ensemble, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if info.IsDir() {
		path, err = telemetry.LatestCheckpoint(path)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	cp, err := telemetry.LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := e.Restore(cp); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}

// newRouter serves the Prometheus endpoint and a liveness check.
func newRouter(metrics *telemetry.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}
