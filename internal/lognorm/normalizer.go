// Package lognorm turns raw submitted log payloads into uniform ParsedLog records.
package lognorm

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/logdiag/api/schemas"
	"go.uber.org/zap"
)

// MaxExtractedErrors bounds ParsedLog.ExtractedErrors.
const MaxExtractedErrors = 20

// errorLineRes select the lines reported in ExtractedErrors.
var errorLineRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bERROR\b`),
	regexp.MustCompile(`(?i)\bFATAL\b`),
	regexp.MustCompile(`(?i)\bCRITICAL\b`),
	regexp.MustCompile(`(?i)Exception`),
	regexp.MustCompile(`(?i)Traceback`),
	regexp.MustCompile(`(?i)Error:`),
	regexp.MustCompile(`(?i)\bFailed\b`),
	regexp.MustCompile(`(?i)\bFailure\b`),
	regexp.MustCompile(`(?i)Stack trace`),
	regexp.MustCompile(`at\s+[\w.$]+\([^)]+\)`),
	regexp.MustCompile(`File\s+"[^"]+",\s+line\s+\d+`),
}

// Normalizer parses log entries. It is stateless and safe for concurrent use.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Normalizer.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger.Named("lognorm"), now: time.Now}
}

// Parse validates entry and produces its normalized record. Only empty or
// binary content is rejected; anything else that fails structured parsing
// degrades to plain text.
func (n *Normalizer) Parse(entry schemas.LogEntry) (*schemas.ParsedLog, error) {
	content := entry.Content
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "is empty"}
	}
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return nil, &ValidationError{Field: "content", Reason: "is not valid UTF-8 text"}
	}

	trimmed := strings.TrimSpace(content)
	var p *schemas.ParsedLog
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
			p = n.parseObject(obj)
		}
	}
	if p == nil {
		if alb, ok := parseALBLine(trimmed); ok {
			p = n.parseALB(alb)
		} else {
			p = n.parseText(trimmed, schemas.FormatPlain)
		}
	}

	p.Raw = content
	if entry.Source != "" {
		p.Source = entry.Source
	}
	if p.Timestamp == nil && !entry.Timestamp.IsZero() {
		ts := entry.Timestamp
		p.Timestamp = &ts
	}
	if len(entry.Metadata) > 0 {
		if p.Fields == nil {
			p.Fields = make(map[string]any, len(entry.Metadata))
		}
		for k, v := range entry.Metadata {
			if _, taken := p.Fields[k]; !taken {
				p.Fields[k] = v
			}
		}
	}
	return p, nil
}

// Level returns the normalized level of content without failing. Intake uses
// it to decide whether an entry is worth diagnosing.
func (n *Normalizer) Level(content string) string {
	p, err := n.Parse(schemas.LogEntry{Content: content})
	if err != nil {
		return ""
	}
	return p.Level
}

// IsErrorLog reports whether a record describes a failure.
func IsErrorLog(p *schemas.ParsedLog) bool {
	return p.IsError() || len(p.ExtractedErrors) > 0 || p.StackTrace != ""
}

func (n *Normalizer) parseObject(obj map[string]any) *schemas.ParsedLog {
	format := detectFormat(obj)
	switch format {
	case schemas.FormatAWSCloudWatch:
		return n.parseCloudWatch(obj)
	case schemas.FormatAWSLambda:
		p := n.parseFields(obj, format)
		if p.ErrorType != "" || has(obj, "errorMessage") {
			p.Level = higher(p.Level, schemas.LevelError)
		}
		if p.ServiceName == "" {
			p.ServiceName = lookupString(obj, []string{"function_name", "functionName"})
		}
		return p
	case schemas.FormatAWSALB:
		p := n.parseFields(obj, format)
		status := statusCode(obj["elb_status_code"])
		if status == 0 {
			status = statusCode(obj["target_status_code"])
		}
		if _, explicit := lookup(obj, levelKeys); !explicit && status > 0 {
			p.Level = albLevel(status)
		}
		if p.ServiceName == "" {
			p.ServiceName = lookupString(obj, []string{"elb"})
		}
		if _, ok := lookup(obj, messageKeys); !ok {
			p.Message = strings.TrimSpace(fmt.Sprintf("%s %s", lookupString(obj, []string{"request"}), statusText(status)))
		}
		return p
	default:
		return n.parseFields(obj, format)
	}
}

// parseFields applies the field maps to a flat JSON object.
func (n *Normalizer) parseFields(obj map[string]any, format schemas.LogFormat) *schemas.ParsedLog {
	p := &schemas.ParsedLog{Format: format, Fields: obj}

	p.Message = lookupString(obj, messageKeys)
	if p.Message == "" {
		b, _ := json.Marshal(obj)
		p.Message = string(b)
	}

	if v, ok := lookup(obj, levelKeys); ok {
		p.Level = NormalizeLevel(v)
	}
	if p.Level == "" {
		p.Level = inferLevel(p.Message)
	}

	if v, ok := lookup(obj, timestampKeys); ok {
		if ts, ok := timestampFromValue(v, n.now()); ok {
			p.Timestamp = &ts
		}
	}

	p.Source = lookupString(obj, sourceKeys)
	p.ServiceName = lookupString(obj, serviceKeys)
	p.StackTrace = lookupString(obj, stackKeys)
	if p.StackTrace == "" {
		p.StackTrace = extractStackTrace(p.Message)
	}

	p.ErrorType = lookupString(obj, errorTypeKeys)
	if p.ErrorType == "" {
		p.ErrorType = errorTypeFromTrace(p.StackTrace)
	}
	if p.ErrorType == "" {
		p.ErrorType = exceptionName(p.Message)
	}

	p.ExtractedErrors = extractErrors(p.Message + "\n" + p.StackTrace)
	return p
}

func (n *Normalizer) parseCloudWatch(obj map[string]any) *schemas.ParsedLog {
	envelope := obj
	if aws, ok := obj["awslogs"].(map[string]any); ok {
		data, _ := aws["data"].(string)
		decoded, err := decodeAWSLogs(data)
		if err != nil {
			n.logger.Debug("awslogs payload could not be decoded, treating as plain JSON.", zap.Error(err))
			return n.parseFields(obj, schemas.FormatJSON)
		}
		envelope = decoded
	}

	events := cloudWatchEvents(envelope)
	group := lookupString(envelope, []string{"logGroup"})
	stream := lookupString(envelope, []string{"logStream"})

	var p *schemas.ParsedLog
	switch {
	case len(events) == 1 && strings.HasPrefix(strings.TrimSpace(events[0].Message), "{"):
		var inner map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(events[0].Message)), &inner); err == nil && inner != nil {
			p = n.parseObject(inner)
		}
	case len(events) == 0 && !has(envelope, "logEvents"):
		// A single exported CloudWatch record with flat fields.
		p = n.parseFields(envelope, schemas.FormatAWSCloudWatch)
	}
	if p == nil {
		messages := make([]string, 0, len(events))
		for _, ev := range events {
			messages = append(messages, strings.TrimRight(ev.Message, "\n"))
		}
		p = n.parseText(strings.Join(messages, "\n"), schemas.FormatAWSCloudWatch)
	}

	p.Format = schemas.FormatAWSCloudWatch
	if p.ServiceName == "" {
		p.ServiceName = serviceFromLogGroup(group)
	}
	if p.Source == "" {
		p.Source = stream
	}
	if p.Timestamp == nil && len(events) > 0 {
		if ts, ok := epoch(events[0].Timestamp); ok {
			p.Timestamp = &ts
		}
	}
	if p.Fields == nil {
		p.Fields = make(map[string]any)
	}
	p.Fields["log_group"] = group
	p.Fields["log_stream"] = stream
	p.Fields["event_count"] = len(events)
	if owner, ok := envelope["owner"]; ok {
		p.Fields["owner"] = owner
	}
	return p
}

func (n *Normalizer) parseALB(line *albLine) *schemas.ParsedLog {
	p := &schemas.ParsedLog{
		Format:      schemas.FormatAWSALB,
		Level:       albLevel(line.ELBStatus),
		Message:     strings.TrimSpace(fmt.Sprintf("%s %s", line.Request, statusText(line.ELBStatus))),
		ServiceName: line.ELB,
		Fields: map[string]any{
			"type":               line.Type,
			"elb":                line.ELB,
			"client":             line.Client,
			"target":             line.Target,
			"elb_status_code":    line.ELBStatus,
			"target_status_code": line.TargetStatus,
			"request":            line.Request,
		},
	}
	if ts, ok := parseTimestamp(line.Time, n.now()); ok {
		p.Timestamp = &ts
	}
	if line.ELBStatus >= 500 {
		p.ErrorType = fmt.Sprintf("HTTP %d", line.ELBStatus)
		p.ExtractedErrors = []string{p.Message}
	}
	return p
}

// parseText handles free-form text. The whole content is the message.
func (n *Normalizer) parseText(content string, format schemas.LogFormat) *schemas.ParsedLog {
	p := &schemas.ParsedLog{Format: format, Message: strings.TrimSpace(content)}

	p.StackTrace = extractStackTrace(content)
	p.Level = levelFromText(content)
	if p.Level == "" {
		p.Level = schemas.LevelInfo
		if p.StackTrace != "" {
			p.Level = schemas.LevelError
		}
	}
	if ts, ok := timestampFromText(content, n.now()); ok {
		p.Timestamp = &ts
	}
	p.ErrorType = errorTypeFromTrace(p.StackTrace)
	if p.ErrorType == "" {
		p.ErrorType = exceptionName(content)
	}
	p.ExtractedErrors = extractErrors(content)
	return p
}

// extractErrors returns the unique trimmed lines matching any error pattern,
// in order of appearance, at most MaxExtractedErrors of them.
func extractErrors(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		for _, re := range errorLineRes {
			if re.MatchString(line) {
				seen[line] = true
				out = append(out, line)
				break
			}
		}
		if len(out) == MaxExtractedErrors {
			break
		}
	}
	return out
}

var levelRank = map[string]int{
	schemas.LevelDebug: 0,
	schemas.LevelInfo:  1,
	schemas.LevelWarn:  2,
	schemas.LevelError: 3,
	schemas.LevelFatal: 4,
}

func higher(a, b string) string {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}

// AtLeast reports whether level is at or above min. An unknown min admits everything.
func AtLeast(level, min string) bool {
	rank, ok := levelRank[strings.ToUpper(min)]
	if !ok {
		return true
	}
	return levelRank[level] >= rank
}

func statusText(status int) string {
	if status <= 0 {
		return ""
	}
	return fmt.Sprintf("-> %d", status)
}
