package schemas

import (
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobQueued, false},
		{JobRunning, false},
		{JobSucceeded, true},
		{JobFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestDefaultJobOptions(t *testing.T) {
	opts := DefaultJobOptions()
	assert.True(t, opts.ForceGitPull)
	assert.True(t, opts.IncludeGitContext)
}

func TestGitSnapshot_HasChanged(t *testing.T) {
	snap := &GitSnapshot{ChangedFiles: []string{"api/cart.go", "api/orders.go", "web/app.js"}}
	assert.True(t, snap.HasChanged("api/orders.go"))
	assert.True(t, snap.HasChanged("web/app.js"))
	assert.False(t, snap.HasChanged("api/users.go"))

	var none *GitSnapshot
	assert.False(t, none.HasChanged("api/cart.go"))
}

func TestParsedLog_IsError(t *testing.T) {
	assert.True(t, (&ParsedLog{Level: LevelError}).IsError())
	assert.True(t, (&ParsedLog{Level: LevelFatal}).IsError())
	assert.False(t, (&ParsedLog{Level: LevelWarn}).IsError())
}

func TestParsedLog_RawIsNotSerialized(t *testing.T) {
	b, err := json.Marshal(&ParsedLog{Format: FormatPlain, Level: LevelError, Message: "boom", Raw: "secret raw line"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret raw line")
	assert.Contains(t, string(b), `"format":"plain"`)
}

func TestDiagnosisJob_WireNames(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b, err := json.Marshal(DiagnosisJob{
		ID:          "job-1",
		Status:      JobFailed,
		StatusTrace: []JobStatus{JobQueued, JobRunning, JobFailed},
		StartedAt:   &started,
		Error:       &JobError{Kind: "provider", Message: "rate limited"},
	})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, []any{"queued", "running", "failed"}, wire["status_trace"])
	assert.Equal(t, map[string]any{"kind": "provider", "message": "rate limited"}, wire["error"])
	assert.NotContains(t, wire, "result")
	assert.NotContains(t, wire, "completed_at")
}
