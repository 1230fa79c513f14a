package schemas

import "time"

// -- Log Schemas --

// LogFormat identifies the structural shape a raw log payload was recognized as.
type LogFormat string

const (
	FormatJSON          LogFormat = "json"
	FormatPlain         LogFormat = "plain"
	FormatAWSALB        LogFormat = "aws-alb"
	FormatAWSCloudWatch LogFormat = "aws-cloudwatch"
	FormatAWSLambda     LogFormat = "aws-lambda"
)

// Normalized log levels.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// LogEntry is a log payload as submitted by a caller. It is never modified after submission.
type LogEntry struct {
	Content   string         `json:"content"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ParsedLog is the uniform record produced by the normalizer.
type ParsedLog struct {
	Format          LogFormat      `json:"format"`
	Level           string         `json:"level"`
	Message         string         `json:"message"`
	Timestamp       *time.Time     `json:"timestamp,omitempty"`
	StackTrace      string         `json:"stack_trace,omitempty"`
	Source          string         `json:"source,omitempty"`
	ServiceName     string         `json:"service_name,omitempty"`
	ErrorType       string         `json:"error_type,omitempty"`
	ExtractedErrors []string       `json:"extracted_errors,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
	Raw             string         `json:"-"`
}

// IsError reports whether the record is at ERROR level or above.
func (p *ParsedLog) IsError() bool {
	return p.Level == LevelError || p.Level == LevelFatal
}
