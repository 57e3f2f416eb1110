package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/cache"
	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/jobs"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/migration"
	"github.com/cuemby/nimbus/pkg/store"
)

const idempotencyTTL = 24 * time.Hour

// ProviderOps is the slice of the provider service the API calls
// synchronously
type ProviderOps interface {
	StopInstance(ctx context.Context, providerInstanceID string) error
	DeleteInstance(ctx context.Context, providerInstanceID string) error
}

// MigrationControl exposes the scheduler to the migration endpoints
type MigrationControl interface {
	Trigger(ctx context.Context) (*migration.Run, error)
	Status() *migration.Status
	History(limit int) ([]*migration.Run, error)
}

// Config carries the server tunables
type Config struct {
	Port              int
	Production        bool
	DefaultWebhookURL string
	StartupTimeout    time.Duration
	MaxAttempts       int
}

// Server is the REST surface over the orchestrator
type Server struct {
	store     *store.Store
	engine    *jobs.Engine
	provider  ProviderOps
	caches    *cache.Manager
	broker    *events.Broker
	migration MigrationControl
	cfg       Config

	// Idempotency-Key -> prior create outcome
	idempotency *gocache.Cache

	httpServer *http.Server
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer wires the REST surface
func NewServer(st *store.Store, engine *jobs.Engine, provider ProviderOps, caches *cache.Manager,
	broker *events.Broker, mig MigrationControl, cfg Config) *Server {
	s := &Server{
		store:       st,
		engine:      engine,
		provider:    provider,
		caches:      caches,
		broker:      broker,
		migration:   mig,
		cfg:         cfg,
		idempotency: gocache.New(idempotencyTTL, time.Hour),
		startedAt:   time.Now(),
		logger:      log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router builds the chi route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.logRequests)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/instances", func(r chi.Router) {
			r.Post("/", s.createInstance)
			r.Get("/", s.listInstances)
			r.Get("/{id}", s.getInstance)
			r.Post("/{id}/start", s.startInstance)
			r.Post("/{id}/stop", s.stopInstance)
			r.Delete("/{id}", s.deleteInstance)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/stats", s.jobStats)
			r.Get("/{id}", s.getJob)
		})

		r.Route("/migration", func(r chi.Router) {
			r.Get("/status", s.migrationStatus)
			r.Post("/trigger", s.triggerMigration)
			r.Get("/history", s.migrationHistory)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.cacheStats)
			r.Post("/clear", s.clearCaches)
		})

		r.Get("/metrics", s.jsonMetrics)
	})

	return r
}

// Start serves until Shutdown; http.ErrServerClosed is not an error
func (s *Server) Start() error {
	s.logger.Info().Int("port", s.cfg.Port).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
