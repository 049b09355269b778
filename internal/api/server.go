package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/rollout/internal/auth"
	"github.com/mattjoyce/rollout/internal/deploy"
	"github.com/mattjoyce/rollout/internal/events"
	"github.com/mattjoyce/rollout/internal/httpserve"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/release"
)

// Runs starts, inspects and cancels pipeline runs.
type Runs interface {
	Submit(ctx context.Context, def *pipeline.Definition, params pipeline.Params) (*pipeline.Run, error)
	Get(ctx context.Context, runID string) (*pipeline.Run, error)
	Cancel(ctx context.Context, runID string) error
}

// Pipelines looks up compiled definitions by name.
type Pipelines interface {
	Get(name string) (*pipeline.Definition, error)
	Names() []string
}

// RunHistory exposes the persisted transition log.
type RunHistory interface {
	Transitions(ctx context.Context, runID string) ([]pipeline.Transition, error)
}

// Deployments reports and rolls back target state.
type Deployments interface {
	Status(ctx context.Context, targetName string) (*deploy.Record, error)
	Rollback(ctx context.Context, targetName string) (*deploy.Outcome, error)
}

// Releases reads published release metadata.
type Releases interface {
	Get(ctx context.Context, id string) (*release.Release, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey grants every scope.
	APIKey string
	Tokens []auth.TokenConfig
}

// Deps are the components the API serves.
type Deps struct {
	Runs        Runs
	Pipelines   Pipelines
	History     RunHistory
	Deployments Deployments
	Releases    Releases
	Events      *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	auth      *auth.Authenticator
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		auth:      auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves the API on config.Listen until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := httpserve.Serve(ctx, srv, nil, s.logger); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() *chi.Mux {
	r := httpserve.NewRouter(s.logger, "http request")

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeRunsRead)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeRunsWrite)).Post("/pipelines/{pipeline}/runs", s.handleTriggerRun)

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeRunsRead)).Get("/", s.handleGetRun)
			r.With(s.requireScopes(auth.ScopeRunsRead)).Get("/transitions", s.handleGetTransitions)
			r.With(s.requireScopes(auth.ScopeRunsWrite)).Post("/cancel", s.handleCancelRun)
		})

		r.Route("/targets/{target}", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeDeployRead)).Get("/", s.handleTargetStatus)
			r.With(s.requireScopes(auth.ScopeDeployWrite)).Post("/rollback", s.handleRollback)
		})
		r.With(s.requireScopes(auth.ScopeDeployRead)).Get("/releases/{releaseID}", s.handleGetRelease)

		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}
