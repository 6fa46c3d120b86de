package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with steward's routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           Routes(h),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: h.Logger,
	}
}

// Routes returns the API mux.
func Routes(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Run endpoints.
	mux.HandleFunc("GET /api/v1/runs", h.ListRuns)
	mux.HandleFunc("POST /api/v1/runs", h.LaunchRun)
	mux.HandleFunc("GET /api/v1/runs/{runID}", h.GetRun)

	// Run history endpoints.
	mux.HandleFunc("GET /api/v1/runs/{runID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/runs/{runID}/events/stream", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/runs/{runID}/outputs", h.ListOutputs)
	mux.HandleFunc("GET /api/v1/runs/{runID}/outputs/{stage}", h.GetLatestOutput)
	mux.HandleFunc("GET /api/v1/runs/{runID}/reviews", h.ListReviews)
	mux.HandleFunc("GET /api/v1/runs/{runID}/audit", h.ListAudit)
	mux.HandleFunc("GET /api/v1/runs/{runID}/published", h.ListPublished)
	mux.HandleFunc("GET /api/v1/runs/{runID}/cost", h.GetCost)

	return logRequests(h.Logger, mux)
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
