// Package api serves the diagnosis pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/engine"
	"github.com/xkilldash9x/logdiag/internal/gitctx"
)

const (
	defaultWaitTimeout = 2 * time.Minute
	defaultReportLimit = 20
	maxBodyBytes       = 4 << 20
)

// Jobs is the part of the worker pool the API drives.
type Jobs interface {
	Submit(ctx context.Context, entry schemas.LogEntry, opts schemas.JobOptions) (string, error)
	Status(id string) (schemas.DiagnosisJob, bool)
	Wait(ctx context.Context, id string) (schemas.DiagnosisJob, error)
	List(f engine.Filter) []schemas.DiagnosisJob
	Counts() (queued, running int)
	QueueDepth() int
}

// Repository reports on and refreshes the tracked repository.
type Repository interface {
	Status(ctx context.Context) (*gitctx.RepoStatus, error)
	Sync(ctx context.Context, force bool) (*schemas.GitSnapshot, error)
}

// Reports reads and deletes stored reports.
type Reports interface {
	List(ctx context.Context, limit int) ([]schemas.ReportSummary, error)
	Get(ctx context.Context, id string) (*schemas.DiagnosisResult, error)
	Delete(ctx context.Context, id string) error
}

// Deps are the services behind the routes. Git, Reports and Metrics are
// optional; their routes answer 503 when missing.
type Deps struct {
	Jobs    Jobs
	Git     Repository
	Reports Reports
	Metrics http.Handler
	// ConfigErr is the result of validating the running configuration.
	ConfigErr error
	Version   string
	// WaitTimeout bounds ?wait=true requests that give no timeout of their own.
	WaitTimeout time.Duration
}

// Server holds the router and its dependencies.
type Server struct {
	deps   Deps
	logger *zap.Logger
	router chi.Router
}

// NewServer builds the router. Jobs is required.
func NewServer(deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Jobs == nil {
		return nil, errors.New("api: a job pool is required")
	}
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = defaultWaitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/diagnose", s.handleDiagnose)
		r.Get("/diagnose/{id}", s.handleGetDiagnosis)
		r.Get("/jobs", s.handleListJobs)

		r.Route("/git", func(r chi.Router) {
			r.Get("/status", s.handleGitStatus)
			r.Post("/pull", s.handleGitPull)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", s.handleListReports)
			r.Get("/{id}", s.handleGetReport)
			r.Delete("/{id}", s.handleDeleteReport)
			r.Get("/{id}/markdown", s.handleReportMarkdown)
		})
	})
	return r
}

// ServeHTTP makes the server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on host:port until ctx ends, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, host string, port int, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening.", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP API.")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("Request failed.", fields...)
			return
		}
		s.logger.Debug("Request served.", fields...)
	})
}
