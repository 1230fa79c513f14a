package schemas

import "time"

// -- Context Discovery Schemas --

// CodeSnippet is a contiguous, 1-indexed, inclusive line range from a file.
type CodeSnippet struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
}

// ContextCandidate is a source file judged relevant to a log entry.
type ContextCandidate struct {
	FilePath        string        `json:"file_path"`
	SizeKB          float64       `json:"size_kb"`
	RelevanceScore  float64       `json:"relevance_score"`
	SelectionReason string        `json:"selection_reason"`
	Snippets        []CodeSnippet `json:"snippets,omitempty"`
}

// DiscoveryReport records how the context selection was reached.
type DiscoveryReport struct {
	Iterations            int       `json:"iterations"`
	ConfidenceProgression []float64 `json:"confidence_progression"`
	FinalConfidence       float64   `json:"final_confidence"`
	TotalSizeKB           float64   `json:"total_size_kb"`
	FilesConsidered       int       `json:"files_considered"`
	Reasoning             []string  `json:"reasoning,omitempty"`
	StopReason            string    `json:"stop_reason"`
}

// -- Diagnosis Job Schemas --

// JobStatus is the lifecycle state of a diagnosis job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobOptions controls how git context is gathered for a job.
type JobOptions struct {
	ForceGitPull      bool `json:"force_git_pull"`
	IncludeGitContext bool `json:"include_git_context"`
}

// DefaultJobOptions mirrors the defaults of the diagnosis request.
func DefaultJobOptions() JobOptions {
	return JobOptions{ForceGitPull: true, IncludeGitContext: true}
}

// JobError is the human readable failure recorded on a job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DiagnosisJob is one unit of work converting a log entry into a DiagnosisResult.
type DiagnosisJob struct {
	ID          string           `json:"id"`
	LogEntry    LogEntry         `json:"log_entry"`
	Options     JobOptions       `json:"options"`
	Status      JobStatus        `json:"status"`
	StatusTrace []JobStatus      `json:"status_trace"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      *DiagnosisResult `json:"result,omitempty"`
	Error       *JobError        `json:"error,omitempty"`
}

// DiagnosisResult is the structured outcome of a successful diagnosis.
type DiagnosisResult struct {
	ID                string             `json:"id"`
	JobID             string             `json:"job_id"`
	Title             string             `json:"title"`
	ErrorType         string             `json:"error_type"`
	Summary           string             `json:"summary"`
	RootCause         string             `json:"root_cause"`
	ErrorAnalysis     string             `json:"error_analysis"`
	Recommendations   []string           `json:"recommendations"`
	ConfidenceScore   float64            `json:"confidence_score"`
	RelevantCodeFiles []ContextCandidate `json:"relevant_code_files"`
	Discovery         *DiscoveryReport   `json:"context_discovery,omitempty"`
	Git               *GitContextInfo    `json:"git,omitempty"`
	Log               *ParsedLog         `json:"log,omitempty"`
	ProcessingTime    time.Duration      `json:"processing_time"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ReportSummary is the listing form of a persisted diagnosis result.
type ReportSummary struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	Title           string    `json:"title"`
	ErrorType       string    `json:"error_type"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}
