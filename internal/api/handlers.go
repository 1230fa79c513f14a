package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/engine"
	"github.com/xkilldash9x/logdiag/internal/lognorm"
	"github.com/xkilldash9x/logdiag/internal/store"
)

// DiagnoseRequest is the body of POST /api/v1/diagnose. Unset options take
// their defaults. A text/plain body is taken as Content.
type DiagnoseRequest struct {
	Content           string         `json:"content"`
	Source            string         `json:"source,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ForceGitPull      *bool          `json:"force_git_pull,omitempty"`
	IncludeGitContext *bool          `json:"include_git_context,omitempty"`
}

// SubmitResponse acknowledges a queued job.
type SubmitResponse struct {
	JobID  string            `json:"job_id"`
	Status schemas.JobStatus `json:"status"`
}

func (req DiagnoseRequest) entry() schemas.LogEntry {
	return schemas.LogEntry{Content: req.Content, Source: req.Source, Timestamp: req.Timestamp, Metadata: req.Metadata}
}

func (req DiagnoseRequest) options() schemas.JobOptions {
	opts := schemas.DefaultJobOptions()
	if req.ForceGitPull != nil {
		opts.ForceGitPull = *req.ForceGitPull
	}
	if req.IncludeGitContext != nil {
		opts.IncludeGitContext = *req.IncludeGitContext
	}
	return opts
}

func decodeDiagnoseRequest(r *http.Request) (DiagnoseRequest, error) {
	var req DiagnoseRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return req, fmt.Errorf("read request body: %w", err)
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "text/plain" {
		req.Content = string(body)
	} else if err := json.Unmarshal(body, &req); err != nil {
		return req, &requestError{field: "body", reason: "is not a valid diagnosis request: " + err.Error()}
	}
	if strings.TrimSpace(req.Content) == "" {
		return req, &lognorm.ValidationError{Field: "content", Reason: "is empty"}
	}
	return req, nil
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDiagnoseRequest(r)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	id, err := s.deps.Jobs.Submit(r.Context(), req.entry(), req.options())
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	if !isTrue(r.URL.Query().Get("wait")) {
		respondWithJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, Status: schemas.JobQueued})
		return
	}

	timeout := s.deps.WaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondWithError(w, &requestError{field: "timeout", reason: "must be a positive duration"})
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	job, err := s.deps.Jobs.Wait(ctx, id)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Still running; the caller polls with the id.
		respondWithJSON(w, http.StatusAccepted, job)
	case err != nil:
		s.respondWithError(w, err)
	case job.Status == schemas.JobFailed && job.Error != nil && job.Error.Kind == "validation":
		respondWithJSON(w, http.StatusBadRequest, job)
	default:
		respondWithJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleGetDiagnosis(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Jobs.Status(chi.URLParam(r, "id"))
	if !ok {
		s.respondWithError(w, engine.ErrJobNotFound)
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

// JobList is the body of GET /api/v1/jobs.
type JobList struct {
	Jobs       []schemas.DiagnosisJob `json:"jobs"`
	Queued     int                    `json:"queued"`
	Running    int                    `json:"running"`
	QueueDepth int                    `json:"queue_depth"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var f engine.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := schemas.JobStatus(raw)
		switch st {
		case schemas.JobQueued, schemas.JobRunning, schemas.JobSucceeded, schemas.JobFailed:
			f.Status = st
		default:
			s.respondWithError(w, &requestError{field: "status", reason: "must be queued, running, succeeded or failed"})
			return
		}
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	f.Limit = limit

	jobs := s.deps.Jobs.List(f)
	if jobs == nil {
		jobs = []schemas.DiagnosisJob{}
	}
	queued, running := s.deps.Jobs.Counts()
	respondWithJSON(w, http.StatusOK, JobList{Jobs: jobs, Queued: queued, Running: running, QueueDepth: s.deps.Jobs.QueueDepth()})
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Git == nil {
		s.respondUnavailable(w, "repository tracking is not configured")
		return
	}
	st, err := s.deps.Git.Status(r.Context())
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"git_status": st, "timestamp": time.Now().UTC()})
}

func (s *Server) handleGitPull(w http.ResponseWriter, r *http.Request) {
	if s.deps.Git == nil {
		s.respondUnavailable(w, "repository tracking is not configured")
		return
	}
	snap, err := s.deps.Git.Sync(r.Context(), true)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"snapshot": snap, "timestamp": time.Now().UTC()})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.respondUnavailable(w, "report storage is not configured")
		return
	}
	limit, err := queryInt(r, "limit", defaultReportLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	reports, err := s.deps.Reports.List(r.Context(), limit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	if reports == nil {
		reports = []schemas.ReportSummary{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"reports": reports, "count": len(reports)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.report(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (s *Server) handleReportMarkdown(w http.ResponseWriter, r *http.Request) {
	report, ok := s.report(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "diagnosis-"+report.ID+".md"))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, store.RenderMarkdown(report))
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.respondUnavailable(w, "report storage is not configured")
		return
	}
	if err := s.deps.Reports.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) (*schemas.DiagnosisResult, bool) {
	if s.deps.Reports == nil {
		s.respondUnavailable(w, "report storage is not configured")
		return nil, false
	}
	report, err := s.deps.Reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithError(w, err)
		return nil, false
	}
	return report, true
}

// Health is the body of GET /healthz.
type Health struct {
	Status             string    `json:"status"`
	Version            string    `json:"version"`
	Timestamp          time.Time `json:"timestamp"`
	ConfigurationValid bool      `json:"configuration_valid"`
	ConfigErrors       string    `json:"configuration_errors,omitempty"`
	Git                any       `json:"git_status,omitempty"`
	QueueDepth         int       `json:"queue_depth"`
	Running            int       `json:"running"`
}

// handleHealth always answers 200. Status is "degraded" when the
// configuration is invalid or the repository cannot be inspected.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:             "healthy",
		Version:            s.deps.Version,
		Timestamp:          time.Now().UTC(),
		ConfigurationValid: s.deps.ConfigErr == nil,
		QueueDepth:         s.deps.Jobs.QueueDepth(),
	}
	_, h.Running = s.deps.Jobs.Counts()
	if s.deps.ConfigErr != nil {
		h.Status = "degraded"
		h.ConfigErrors = s.deps.ConfigErr.Error()
	}
	if s.deps.Git != nil {
		st, err := s.deps.Git.Status(r.Context())
		if err != nil {
			h.Status = "degraded"
			h.Git = map[string]string{"error": err.Error()}
		} else {
			h.Git = st
		}
	}
	respondWithJSON(w, http.StatusOK, h)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.respondUnavailable(w, "metrics are disabled")
		return
	}
	s.deps.Metrics.ServeHTTP(w, r)
}

// -- responses --

// requestError is a malformed request parameter.
type requestError struct {
	field  string
	reason string
}

func (e *requestError) Error() string { return fmt.Sprintf("invalid request: %s %s", e.field, e.reason) }

func (e *requestError) Kind() string { return "validation" }

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	switch engine.ErrorKind(err) {
	case "validation":
		return http.StatusBadRequest
	case "git_sync":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, engine.ErrStopped):
		return "stopped"
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return "not_found"
	}
	return engine.ErrorKind(err)
}

func (s *Server) respondWithError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("Request failed.", zap.Error(err))
	}
	respondWithJSON(w, status, ErrorResponse{Error: err.Error(), Kind: errorKind(err)})
}

func (s *Server) respondUnavailable(w http.ResponseWriter, msg string) {
	respondWithJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: msg, Kind: "unavailable"})
}

func respondWithJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &requestError{field: key, reason: "must be a non-negative integer"}
	}
	return n, nil
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
