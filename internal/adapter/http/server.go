package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/terrain-tile-service/internal/artifact"
	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/jobs"
)

// APIVersion is reported by /api/health.
const APIVersion = "2.0.0"

// JobService is the part of the job manager the API drives.
type JobService interface {
	Submit(ctx context.Context, req jobs.Request) (domain.Job, error)
	Status(id string) (domain.Job, error)
	Jobs() []domain.Job
	Cancel(id string) (domain.Job, error)
	Download(id string) (io.ReadCloser, artifact.Info, error)
}

// Server exposes the generation API plus health, readiness, and metrics.
type Server struct {
	httpServer *http.Server
	jobs       JobService
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the API routes, /healthz, /readyz,
// and /metrics.
func NewServer(addr string, svc JobService, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Archive downloads can be large.
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		jobs:   svc,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/generate", s.handleGenerateCircle)
	mux.HandleFunc("POST /api/generate_rectangle", s.handleGenerateRectangle)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /userRequestTerrain/{file}", s.handleLegacyDownload)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
