package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"prompt-ops/internal/api"
	"prompt-ops/internal/config"
	"prompt-ops/internal/executor"
	"prompt-ops/internal/gateway"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/queue"
	"prompt-ops/internal/ratelimit"
	"prompt-ops/internal/scorer"
	"prompt-ops/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize database (optional for development; execution needs it)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, runs and experiments will be rejected")
		} else {
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("schema migration failed")
			}
		}
	}

	// Lifecycle event writer (buffered, best effort)
	var eventWriter *storage.EventWriter
	if db != nil {
		eventWriter = storage.NewEventWriter(db, 10000)
		eventWriter.Start()
		defer eventWriter.Flush(10 * time.Second)
	}

	// Submission budget: backed by Postgres where available so every
	// replica shares one window, in-memory otherwise.
	var counterStore ratelimit.CounterStore
	if db != nil {
		counterStore = ratelimit.CounterStoreFunc(db.IncrCounter)
	} else {
		counterStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(counterStore, cfg.RateLimit.Window, cfg.RateLimit.Capacity)

	// Inference gateway
	gw := gateway.NewHTTPClient(gateway.HTTPClientConfig{
		Endpoint:      cfg.Gateway.Endpoint,
		APIKey:        cfg.Gateway.APIKey,
		CallTimeout:   cfg.Gateway.CallTimeout,
		MaxConcurrent: cfg.Gateway.MaxConcurrent,
		RequestsPerS:  cfg.Gateway.RequestsPerSecond,
	})

	var grader scorer.Scorer
	switch cfg.Scoring.Mode {
	case "judge":
		grader = scorer.NewJudge(gw, cfg.Scoring.JudgeModel)
	default:
		grader = scorer.NewSimilarity()
	}

	// Dispatch queue and its workers
	q := queue.New(cfg.Queue.Workers, cfg.Queue.BufferSize)

	runExec := executor.NewRunExecutor(db, gw, recorderOrNil(eventWriter), metrics, executor.RunConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.Backoff,
		UnitPrice:   cfg.Pricing.UnitPriceUSD,
	})
	q.Register(queue.KindRunExecution, func(ctx context.Context, job queue.Job) error {
		var msg executor.RunMessage
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return err
		}
		metrics.ActiveJobs.Inc()
		defer metrics.ActiveJobs.Dec()
		defer metrics.QueueDepth.Set(float64(q.Depth()))
		return runExec.Execute(ctx, msg)
	})

	orchestrator := executor.NewOrchestrator(db, gw, grader, metrics, executor.ExperimentConfig{
		Model:       cfg.Gateway.DefaultModel,
		Temperature: cfg.Gateway.DefaultTemperature,
	})
	q.Register(queue.KindExperimentExecution, func(ctx context.Context, job queue.Job) error {
		var msg executor.ExperimentMessage
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return err
		}
		metrics.ActiveJobs.Inc()
		defer metrics.ActiveJobs.Dec()
		defer metrics.QueueDepth.Set(float64(q.Depth()))
		return orchestrator.Execute(ctx, msg)
	})

	q.Start(ctx)

	// Sweep orphaned running runs and expired rate counters.
	if db != nil {
		maxAge := time.Duration(cfg.Retry.MaxAttempts)*(cfg.Gateway.CallTimeout+cfg.Retry.Backoff) + 5*time.Minute
		executor.NewReclaimer(db, maxAge, time.Minute).Start(ctx)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, db, q, limiter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Let in-flight jobs finish before the process exits.
		q.Stop(shutdownCtx)

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Int("workers", cfg.Queue.Workers).
		Str("scoring_mode", cfg.Scoring.Mode).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// recorderOrNil keeps the executor's nil check honest: a typed nil
// *EventWriter inside the interface would defeat it.
func recorderOrNil(w *storage.EventWriter) executor.EventRecorder {
	if w == nil {
		return nil
	}
	return w
}
