package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/geoexec/internal/artifact"
	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/process"
	"github.com/seantiz/geoexec/internal/query"
	"github.com/seantiz/geoexec/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// Synchronous executions hold the response open, so the write timeout is
	// generous; the engine's own limits bound them.
	writeTimeout = 5 * time.Minute
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Store     store.Store
	Manager   *engine.Manager
	Queries   *query.Engine
	Processes *process.Registry
	Artifacts artifact.Store
	// AdminRole is the role in X-Remote-Roles that grants administrator
	// visibility.
	AdminRole string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	manager   *engine.Manager
	queries   *query.Engine
	processes *process.Registry
	artifacts artifact.Store
	adminRole string
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     deps.Store,
		manager:   deps.Manager,
		queries:   deps.Queries,
		processes: deps.Processes,
		artifacts: deps.Artifacts,
		adminRole: deps.AdminRole,
		logger:    logger,
		addr:      addr,
	}
	if srv.adminRole == "" {
		srv.adminRole = "admin"
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", headerUser, headerRoles},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	srv.router.Use(srv.principalMiddleware)

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/processes", s.handleListProcesses)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleSubmitExecution)
		r.Get("/", s.handleListExecutions)
		r.Delete("/", s.handleRemoveExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Get("/{id}/result", s.handleGetResult)
		r.Get("/{id}/children", s.handleListChildren)
		r.Get("/{id}/events", s.handleStreamStatus)
		r.Delete("/{id}", s.handleCancelExecution)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
