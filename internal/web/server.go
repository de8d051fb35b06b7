// Package web exposes the pipeline over HTTP: the webhook intake endpoint,
// the state query API, live runner output, health probes and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/autopr/internal/intake"
	"github.com/lucasnoah/autopr/internal/orchestrator"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// StateReader is the read side of the state machine.
type StateReader interface {
	Get(ctx context.Context, id string) (*pipeline.State, error)
	ListByStage(ctx context.Context, stage pipeline.Stage) ([]pipeline.State, error)
	ListActive(ctx context.Context) ([]pipeline.State, error)
}

// Enqueuer accepts work items without blocking.
type Enqueuer interface {
	Enqueue(item *pipeline.WorkItem) error
}

// HealthChecker reports whether an external dependency answers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Options are the collaborators of a Server.
type Options struct {
	States StateReader
	Queue  Enqueuer
	Intake *intake.Handler
	Output *orchestrator.OutputHub
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ping checks the state store for /ready.
	Ping func(ctx context.Context) error
	// Dependencies are reported by /ready but never make it fail.
	Dependencies map[string]HealthChecker
	// ShutdownTimeout bounds graceful shutdown in Serve.
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the pipeline.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Intake == nil {
		opts.Intake = intake.NewHandler("", logger)
	}
	if opts.Output == nil {
		opts.Output = orchestrator.NewOutputHub(0)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{opts: opts, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /webhooks/github", s.handleWebhook)
	s.mux.HandleFunc("POST /api/work-items", s.handleWorkItem)
	s.mux.HandleFunc("GET /api/states", s.handleListStates)
	s.mux.HandleFunc("GET /api/states/{owner}/{repo}/{number}", s.handleGetState)
	s.mux.HandleFunc("GET /api/states/{owner}/{repo}/{number}/output", s.handleOutputStream)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("http server listening", "address", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
