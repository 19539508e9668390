package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/config"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/inbox"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

// Deps are the services the API exposes.
type Deps struct {
	Store      storage.Storage
	Registry   *registry.Registry
	Enqueuer   *delivery.Enqueuer
	Dispatcher *delivery.Dispatcher
	Inbox      *inbox.Service
	Metrics    *metrics.Metrics
	AdminToken string
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(s.log))
	r.Use(middleware.Recoverer)

	wsHandler := NewWorkspaceHandler(s.deps.Store, s.log)
	epHandler := NewEndpointHandler(s.deps.Registry, s.deps.Enqueuer, s.deps.Store, s.log)
	evHandler := NewEventHandler(s.deps.Enqueuer, s.log)
	dlvHandler := NewDeliveryHandler(s.deps.Store, s.deps.Enqueuer, s.log)
	inboxHandler := NewInboxHandler(s.deps.Inbox, s.log)
	statsHandler := NewStatsHandler(s.deps.Store, s.deps.Dispatcher, s.log)

	// Public
	r.Get("/health", statsHandler.Health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/postbacks/{provider}", inboxHandler.Postback)
	r.Post("/postbacks/{provider}", inboxHandler.Postback)

	r.Route("/api/v1", func(r chi.Router) {
		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(AdminMiddleware(s.deps.AdminToken))

			r.Post("/workspaces", wsHandler.Create)
			r.Get("/workspaces", wsHandler.List)
			r.Get("/workspaces/{id}", wsHandler.Get)
			r.Delete("/workspaces/{id}", wsHandler.Delete)
			r.Post("/workspaces/{id}/rotate-key", wsHandler.RotateKey)

			r.Get("/inbox", inboxHandler.List)
			r.Get("/inbox/{id}", inboxHandler.Get)
			r.Post("/inbox/{id}/processed", inboxHandler.MarkProcessed)

			r.Post("/dispatch", statsHandler.Dispatch)
		})

		// Workspace routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.deps.Store, s.log))

			r.Post("/endpoints", epHandler.Create)
			r.Get("/endpoints", epHandler.List)
			r.Get("/endpoints/{id}", epHandler.Get)
			r.Patch("/endpoints/{id}", epHandler.Update)
			r.Delete("/endpoints/{id}", epHandler.Delete)
			r.Post("/endpoints/{id}/rotate-secret", epHandler.RotateSecret)
			r.Post("/endpoints/{id}/test", epHandler.SendTest)
			r.Get("/endpoints/{id}/deliveries", epHandler.Deliveries)

			r.Post("/events", evHandler.Publish)

			r.Get("/deliveries", dlvHandler.List)
			r.Get("/deliveries/{id}", dlvHandler.Get)
			r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)
			r.Post("/deliveries/{id}/resend", dlvHandler.Resend)

			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Calling it before Start makes a later Start return http.ErrServerClosed.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
