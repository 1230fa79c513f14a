package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/store"
)

const (
	defaultWaitSeconds = 120
	defaultReportLimit = 20
)

func (s *Server) handleSubmitDiagnosis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := request.GetString("content", "")
	if strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("content parameter is required"), nil
	}
	opts := schemas.JobOptions{
		IncludeGitContext: request.GetBool("include_git_context", true),
		ForceGitPull:      request.GetBool("force_git_pull", true),
	}
	entry := schemas.LogEntry{
		Content:   content,
		Source:    request.GetString("source", "mcp"),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"intake": "mcp"},
	}

	id, err := s.jobs.Submit(ctx, entry, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not queue diagnosis: %v", err)), nil
	}
	if !request.GetBool("wait", false) {
		return jsonResult(map[string]any{"job_id": id, "status": schemas.JobQueued})
	}

	wait := time.Duration(request.GetInt("timeout_seconds", defaultWaitSeconds)) * time.Second
	if wait <= 0 || wait > s.maxWait {
		wait = s.maxWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	job, err := s.jobs.Wait(waitCtx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return mcp.NewToolResultError(fmt.Sprintf("waiting for job %s: %v", id, err)), nil
	}
	return jsonResult(job)
}

func (s *Server) handleGetDiagnosis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("job_id", "")
	if id == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	job, ok := s.jobs.Status(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", id)), nil
	}
	return jsonResult(job)
}

func (s *Server) handleGitStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.git == nil {
		return mcp.NewToolResultError("repository tracking is not configured"), nil
	}
	st, err := s.git.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("git status failed: %v", err)), nil
	}
	return jsonResult(st)
}

func (s *Server) handleGitPull(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.git == nil {
		return mcp.NewToolResultError("repository tracking is not configured"), nil
	}
	snap, err := s.git.Sync(ctx, true)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("git pull failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"branch":         snap.Branch,
		"current_commit": snap.CurrentCommit,
		"previous_head":  snap.PreviousHead,
		"changed_files":  snap.ChangedFiles,
		"synced_at":      snap.SyncedAt,
	})
}

func (s *Server) handleListReports(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.reports == nil {
		return mcp.NewToolResultError("report storage is not configured"), nil
	}
	reports, err := s.reports.List(ctx, request.GetInt("limit", defaultReportLimit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing reports failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"reports": reports, "count": len(reports)})
}

func (s *Server) handleGetReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.reports == nil {
		return mcp.NewToolResultError("report storage is not configured"), nil
	}
	id := request.GetString("report_id", "")
	if id == "" {
		return mcp.NewToolResultError("report_id parameter is required"), nil
	}
	report, err := s.reports.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("report not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("loading report failed: %v", err)), nil
	}

	switch request.GetString("format", "json") {
	case "markdown":
		return mcp.NewToolResultText(store.RenderMarkdown(report)), nil
	case "json":
		return jsonResult(report)
	default:
		return mcp.NewToolResultError("format must be json or markdown"), nil
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
