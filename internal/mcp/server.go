// Package mcp exposes the diagnosis pipeline as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/gitctx"
)

// Jobs queues and looks up diagnoses.
type Jobs interface {
	Submit(ctx context.Context, entry schemas.LogEntry, opts schemas.JobOptions) (string, error)
	Status(id string) (schemas.DiagnosisJob, bool)
	Wait(ctx context.Context, id string) (schemas.DiagnosisJob, error)
}

// Repository reports on and refreshes the tracked repository.
type Repository interface {
	Status(ctx context.Context) (*gitctx.RepoStatus, error)
	Sync(ctx context.Context, force bool) (*schemas.GitSnapshot, error)
}

// Reports reads stored reports.
type Reports interface {
	List(ctx context.Context, limit int) ([]schemas.ReportSummary, error)
	Get(ctx context.Context, id string) (*schemas.DiagnosisResult, error)
}

// Server is the MCP server for logdiag.
type Server struct {
	mcpServer *server.MCPServer
	jobs      Jobs
	git       Repository
	reports   Reports
	logger    *zap.Logger

	// maxWait caps submit_diagnosis calls that wait for the result.
	maxWait time.Duration
}

// NewServer registers the tools. git and reports may be nil; their tools
// then answer with an error result.
func NewServer(jobs Jobs, git Repository, reports Reports, version string, logger *zap.Logger) (*Server, error) {
	if jobs == nil {
		return nil, errors.New("mcp: a job pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"logdiag",
			version,
			server.WithToolCapabilities(true),
		),
		jobs:    jobs,
		git:     git,
		reports: reports,
		logger:  logger.Named("mcp"),
		maxWait: 5 * time.Minute,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("submit_diagnosis",
		mcp.WithDescription("Queue an error log for root cause diagnosis. Returns the job id, or the finished job when wait is true."),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The raw log entry: a JSON log line, a plain text line, or a multi-line stack trace"),
		),
		mcp.WithString("source",
			mcp.Description("Where the log came from, such as a service or file name"),
		),
		mcp.WithBoolean("include_git_context",
			mcp.Description("Attach recent repository history to the diagnosis (default: true)"),
		),
		mcp.WithBoolean("force_git_pull",
			mcp.Description("Fetch the repository before diagnosing (default: true)"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Block until the diagnosis finishes (default: false)"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait when wait is true (default: 120)"),
		),
	), s.handleSubmitDiagnosis)

	s.mcpServer.AddTool(mcp.NewTool("get_diagnosis",
		mcp.WithDescription("Get the status of a diagnosis job and its result once it has succeeded."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by submit_diagnosis"),
		),
	), s.handleGetDiagnosis)

	s.mcpServer.AddTool(mcp.NewTool("git_status",
		mcp.WithDescription("Show the tracked repository: branch, head commit, last sync and local changes."),
	), s.handleGitStatus)

	s.mcpServer.AddTool(mcp.NewTool("git_pull",
		mcp.WithDescription("Fetch and check out the latest commit of the tracked branch."),
	), s.handleGitPull)

	s.mcpServer.AddTool(mcp.NewTool("list_reports",
		mcp.WithDescription("List stored diagnosis reports, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of reports to return (default: 20)"),
		),
	), s.handleListReports)

	s.mcpServer.AddTool(mcp.NewTool("get_report",
		mcp.WithDescription("Get a stored diagnosis report as JSON or Markdown."),
		mcp.WithString("report_id",
			mcp.Required(),
			mcp.Description("Report id from list_reports or a finished job"),
		),
		mcp.WithString("format",
			mcp.Description("json or markdown (default: json)"),
			mcp.Enum("json", "markdown"),
		),
	), s.handleGetReport)
}

// Run serves the tools on stdio until the client disconnects.
func (s *Server) Run() error {
	s.logger.Info("Serving MCP tools on stdio.")
	return server.ServeStdio(s.mcpServer)
}
