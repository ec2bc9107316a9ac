package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/config"
	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/intake"
	"github.com/snarg/custody-engine/internal/metrics"
)

// Deps are the server's collaborators, wired in main.
type Deps struct {
	DB        *database.DB
	Audit     *audit.Log
	Intake    *intake.Intake
	Notify    Notifier // nil when MQTT is disabled
	StoreType string
	Version   string
	StartTime time.Time
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated surface: health and metrics
	health := NewHealthHandler(deps.DB, deps.Notify, deps.StoreType, deps.Version, deps.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		NewJobsHandler(deps.DB, deps.Intake, log).Routes(r)
		NewTranscriptsHandler(deps.DB, deps.Audit, log).Routes(r)
		NewRulesHandler(deps.DB, log).Routes(r)
		NewPoliciesHandler(deps.DB, log).Routes(r)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
