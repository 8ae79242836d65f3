package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"prompt-ops/internal/config"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/queue"
	"prompt-ops/internal/ratelimit"
	"prompt-ops/internal/storage"
)

// Server is the main HTTP server for the prompt-ops API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, db *storage.DB, q *queue.Queue, limiter *ratelimit.Limiter, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(db, q, metrics, RunDefaults{
		Model:       cfg.Gateway.DefaultModel,
		Temperature: cfg.Gateway.DefaultTemperature,
	})

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	admit := AdmissionMiddleware(limiter, metrics)

	// Read/write API, wrapped with auth. Only submissions pay the
	// fixed-window admission budget.
	apiMux := http.NewServeMux()
	apiMux.Handle("POST /runs", admit(http.HandlerFunc(handlers.HandleSubmitRun)))
	apiMux.HandleFunc("GET /runs", handlers.HandleListRuns)
	apiMux.HandleFunc("GET /runs/{id}", handlers.HandleGetRun)
	apiMux.HandleFunc("GET /runs/{id}/cost", handlers.HandleGetRunCost)
	apiMux.HandleFunc("GET /runs/{id}/events", handlers.HandleListRunEvents)
	apiMux.HandleFunc("GET /runs/{id}/watch", handlers.HandleWatchRun)

	apiMux.Handle("POST /experiments", admit(http.HandlerFunc(handlers.HandleSubmitExperiment)))
	apiMux.HandleFunc("GET /experiments", handlers.HandleListExperiments)
	apiMux.HandleFunc("GET /experiments/{id}", handlers.HandleGetExperiment)

	apiMux.HandleFunc("GET /jobs/{kind}/{id}", handlers.HandleGetJob)

	apiMux.HandleFunc("POST /prompts", handlers.HandleCreatePrompt)
	apiMux.HandleFunc("GET /prompts", handlers.HandleListPrompts)
	apiMux.HandleFunc("GET /prompts/{id}", handlers.HandleGetPrompt)
	apiMux.HandleFunc("POST /prompts/{id}/versions", handlers.HandleCreateVersion)
	apiMux.HandleFunc("GET /prompts/{id}/versions", handlers.HandleListVersions)
	apiMux.HandleFunc("POST /prompts/{id}/examples", handlers.HandleCreateExample)
	apiMux.HandleFunc("GET /prompts/{id}/examples", handlers.HandleListExamples)

	apiMux.HandleFunc("GET /analytics/costs", handlers.HandleCostSummary)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db, q))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first).
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db *storage.DB, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:     "ok",
			Database:   dbOK,
			QueueDepth: q.Depth(),
			Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
