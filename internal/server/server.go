// Package server implements the gridstore HTTP server: uploads, file
// delivery, deletion, health and diagnostics routes.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/gridstore/internal/auth"
	"github.com/bleepstore/gridstore/internal/blobstore"
	"github.com/bleepstore/gridstore/internal/config"
)

// Server is the gridstore HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	files      *blobstore.Service
	verifier   *auth.Verifier
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger for access logs and error reports.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server serving files from svc and wires up all routes on
// the Chi router with Huma API.
func New(cfg *config.Config, svc *blobstore.Service, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("gridstore file API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	humaConfig.Info.Description = "Chunked binary file storage with public delivery URLs."

	s := &Server{
		cfg:      cfg,
		router:   router,
		files:    svc,
		verifier: auth.NewVerifier(cfg.Auth.APIKey),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	// Middleware that must see every request, including panics and 404s.
	router.Use(s.requestID)
	router.Use(s.accessLog)
	if cfg.Observability.Metrics {
		router.Use(metricsMiddleware)
	}
	router.Use(middleware.Recoverer)
	router.Use(commonHeaders)
	router.Use(auth.Middleware(s.verifier, adminRoute, s.deny))

	s.api = humachi.New(router, humaConfig)
	s.registerRoutes()
	s.handler = router
	return s, nil
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// adminRoute reports whether r needs the API key: deletes and diagnostics.
func adminRoute(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/diagnostics/") {
		return true
	}
	return r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/files/")
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi, diagnostics, DELETE /files/{id})
// carry OpenAPI documentation; uploads and delivery are raw handlers since
// they speak multipart and binary bodies.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the gridstore server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Liveness and readiness probes with empty bodies.
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.files.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Post("/upload", s.handleUpload)
	s.router.Get("/files/{id}", s.handleGetFile)
	s.router.Head("/files/{id}", s.handleGetFile)
	s.router.Options("/files/{id}", s.handlePreflight)
	s.registerDeleteRoute()
	s.registerDiagnostics()

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound, s.logger)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed, s.logger)
	})
}
