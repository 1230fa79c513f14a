package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/diagnosis"
	"github.com/xkilldash9x/logdiag/internal/engine"
	"github.com/xkilldash9x/logdiag/internal/gitctx"
	"github.com/xkilldash9x/logdiag/internal/lognorm"
	"github.com/xkilldash9x/logdiag/internal/mocks"
	"github.com/xkilldash9x/logdiag/internal/store"
)

// fakeJobs records submissions and serves canned jobs.
type fakeJobs struct {
	mu        sync.Mutex
	submitted []schemas.JobOptions
	entries   []schemas.LogEntry
	submitErr error
	jobs      map[string]schemas.DiagnosisJob
	blockWait bool
}

func (f *fakeJobs) Submit(ctx context.Context, entry schemas.LogEntry, opts schemas.JobOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.entries = append(f.entries, entry)
	f.submitted = append(f.submitted, opts)
	return "job-1", nil
}

func (f *fakeJobs) Status(id string) (schemas.DiagnosisJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeJobs) Wait(ctx context.Context, id string) (schemas.DiagnosisJob, error) {
	if f.blockWait {
		<-ctx.Done()
		return schemas.DiagnosisJob{ID: id, Status: schemas.JobRunning}, ctx.Err()
	}
	j, ok := f.Status(id)
	if !ok {
		return j, engine.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeJobs) List(flt engine.Filter) []schemas.DiagnosisJob {
	var out []schemas.DiagnosisJob
	for _, j := range f.jobs {
		if flt.Status == "" || j.Status == flt.Status {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeJobs) Counts() (int, int) { return 1, 2 }
func (f *fakeJobs) QueueDepth() int   { return 1 }

type fakeRepo struct {
	status  *gitctx.RepoStatus
	err     error
	syncErr error
	forced  []bool
}

func (f *fakeRepo) Status(ctx context.Context) (*gitctx.RepoStatus, error) { return f.status, f.err }

func (f *fakeRepo) Sync(ctx context.Context, force bool) (*schemas.GitSnapshot, error) {
	f.forced = append(f.forced, force)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &schemas.GitSnapshot{CurrentCommit: "abc123", Branch: "main"}, nil
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	s, err := NewServer(deps, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestNewServer_RequiresJobs(t *testing.T) {
	_, err := NewServer(Deps{}, nil)
	assert.Error(t, err)
}

func TestDiagnose_Queued(t *testing.T) {
	jobs := &fakeJobs{}
	ts := newTestServer(t, Deps{Jobs: jobs})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/diagnose", "application/json",
		`{"content":"ERROR boom","source":"checkout","force_git_pull":false}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "queued", body["status"])

	require.Len(t, jobs.submitted, 1)
	assert.Equal(t, schemas.JobOptions{ForceGitPull: false, IncludeGitContext: true}, jobs.submitted[0])
	assert.Equal(t, "checkout", jobs.entries[0].Source)
}

func TestDiagnose_PlainTextBody(t *testing.T) {
	jobs := &fakeJobs{}
	ts := newTestServer(t, Deps{Jobs: jobs})

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/diagnose", "text/plain; charset=utf-8", "FATAL out of memory\n  at main")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, jobs.entries, 1)
	assert.Equal(t, "FATAL out of memory\n  at main", jobs.entries[0].Content)
	assert.Equal(t, schemas.DefaultJobOptions(), jobs.submitted[0])
}

func TestDiagnose_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		status    int
		kind      string
	}{
		{name: "empty content", body: `{"content":"   "}`, status: http.StatusBadRequest, kind: "validation"},
		{name: "malformed json", body: `{"content":`, status: http.StatusBadRequest, kind: "validation"},
		{name: "queue full", body: `{"content":"ERROR x"}`, submitErr: engine.ErrQueueFull, status: http.StatusServiceUnavailable, kind: "queue_full"},
		{name: "stopped", body: `{"content":"ERROR x"}`, submitErr: engine.ErrStopped, status: http.StatusServiceUnavailable, kind: "stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Deps{Jobs: &fakeJobs{submitErr: tt.submitErr}})
			resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/diagnose", "application/json", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

type staticDiagnoser struct{}

func (staticDiagnoser) Diagnose(ctx context.Context, in diagnosis.DiagnoseInput) (*schemas.DiagnosisResult, error) {
	return &schemas.DiagnosisResult{ID: "r-1", JobID: in.JobID, Title: "Null pointer in checkout", ConfidenceScore: 0.7}, nil
}

func TestDiagnose_WaitWithPool(t *testing.T) {
	pool, err := engine.NewPool(config.ServerConfig{DiagnosisWorkerCount: 1, QueueCapacity: 4}, engine.Dependencies{
		Normalizer: lognorm.New(nil),
		Diagnoser:  staticDiagnoser{},
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer func() { require.NoError(t, pool.Stop(context.Background())) }()

	ts := newTestServer(t, Deps{Jobs: pool})
	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/diagnose?wait=true", "application/json",
		`{"content":"2024-05-01 10:00:00 ERROR NullPointerException in checkout","include_git_context":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "succeeded", body["status"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Null pointer in checkout", result["title"])

	id, _ := body["id"].(string)
	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/diagnose/"+id, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"queued", "running", "succeeded"}, body["status_trace"])
}

func TestDiagnose_WaitTimeout(t *testing.T) {
	ts := newTestServer(t, Deps{Jobs: &fakeJobs{blockWait: true}})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/diagnose?wait=1&timeout=20ms", "application/json", `{"content":"ERROR x"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "running", body["status"])

	resp, body = do(t, http.MethodPost, ts.URL+"/api/v1/diagnose?wait=true&timeout=soon", "application/json", `{"content":"ERROR x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["kind"])
}

func TestDiagnose_WaitValidationFailure(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]schemas.DiagnosisJob{
		"job-1": {ID: "job-1", Status: schemas.JobFailed, Error: &schemas.JobError{Kind: "validation", Message: "invalid log entry"}},
	}}
	ts := newTestServer(t, Deps{Jobs: jobs})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/diagnose?wait=true", "application/json", `{"content":"ERROR x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
}

func TestGetDiagnosis_NotFound(t *testing.T) {
	ts := newTestServer(t, Deps{Jobs: &fakeJobs{}})
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/diagnose/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestListJobs(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]schemas.DiagnosisJob{
		"a": {ID: "a", Status: schemas.JobSucceeded},
		"b": {ID: "b", Status: schemas.JobFailed},
	}}
	ts := newTestServer(t, Deps{Jobs: jobs})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/jobs?status=failed", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, _ := body["jobs"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].(map[string]any)["id"])
	assert.Equal(t, float64(1), body["queued"])
	assert.Equal(t, float64(2), body["running"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/jobs?status=paused", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/jobs?limit=-2", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGitRoutes(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, Deps{Jobs: &fakeJobs{}})
		resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/git/status", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp, _ = do(t, http.MethodPost, ts.URL+"/api/v1/git/pull", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("status and pull", func(t *testing.T) {
		repo := &fakeRepo{status: &gitctx.RepoStatus{Cloned: true, Branch: "main", Dirty: true}}
		ts := newTestServer(t, Deps{Jobs: &fakeJobs{}, Git: repo})

		resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/git/status", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		st := body["git_status"].(map[string]any)
		assert.Equal(t, true, st["dirty"])

		resp, body = do(t, http.MethodPost, ts.URL+"/api/v1/git/pull", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []bool{true}, repo.forced)
		assert.Equal(t, "abc123", body["snapshot"].(map[string]any)["current_commit"])
	})

	t.Run("pull failure", func(t *testing.T) {
		repo := &fakeRepo{syncErr: &gitctx.GitSyncError{Op: "fetch", Err: errors.New("connection refused")}}
		ts := newTestServer(t, Deps{Jobs: &fakeJobs{}, Git: repo})
		resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/git/pull", "", "")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "git_sync", body["kind"])
	})
}

func TestReportRoutes(t *testing.T) {
	reports := new(mocks.MockReportStore)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	result := &schemas.DiagnosisResult{ID: "r-1", JobID: "j-1", Title: "Disk full", Summary: "The disk filled up.", ConfidenceScore: 0.9, CreatedAt: created}

	reports.On("List", mock.Anything, 20).Return([]schemas.ReportSummary{{ID: "r-1", Title: "Disk full", CreatedAt: created}}, nil).Once()
	reports.On("List", mock.Anything, 5).Return(nil, nil).Once()
	reports.On("Get", mock.Anything, "r-1").Return(result, nil)
	reports.On("Get", mock.Anything, "missing").Return(nil, store.ErrNotFound)
	reports.On("Delete", mock.Anything, "r-1").Return(nil).Once()
	reports.On("Delete", mock.Anything, "missing").Return(store.ErrNotFound).Once()

	ts := newTestServer(t, Deps{Jobs: &fakeJobs{}, Reports: reports})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/reports", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/reports?limit=5", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["reports"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/reports/r-1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Disk full", body["title"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/reports/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/reports/r-1/markdown", nil)
	mdResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mdResp.Body.Close()
	assert.Equal(t, http.StatusOK, mdResp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", mdResp.Header.Get("Content-Type"))
	assert.Contains(t, mdResp.Header.Get("Content-Disposition"), "diagnosis-r-1.md")

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/v1/reports/r-1", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/v1/reports/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	reports.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		repo := &fakeRepo{status: &gitctx.RepoStatus{Cloned: true, Branch: "main"}}
		ts := newTestServer(t, Deps{Jobs: &fakeJobs{}, Git: repo, Version: "1.2.3"})
		resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "1.2.3", body["version"])
		assert.Equal(t, true, body["configuration_valid"])
		assert.Equal(t, float64(1), body["queue_depth"])
	})

	t.Run("degraded", func(t *testing.T) {
		repo := &fakeRepo{err: errors.New("open repository: corrupt")}
		cfgErr := &config.ValidationError{Problems: []string{"llm.api_key is required"}}
		ts := newTestServer(t, Deps{Jobs: &fakeJobs{}, Git: repo, ConfigErr: cfgErr})
		resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, false, body["configuration_valid"])
		assert.Contains(t, body["configuration_errors"], "llm.api_key")
	})
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, Deps{Jobs: &fakeJobs{}})
	resp, _ := do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("logdiag_jobs_submitted 3\n"))
	})
	ts = newTestServer(t, Deps{Jobs: &fakeJobs{}, Metrics: metrics})
	resp, _ = do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
