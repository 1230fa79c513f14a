package diagnosis

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

const (
	systemPrompt = "You are an expert software engineer and DevOps specialist. Your job is to analyze error logs " +
		"and provide detailed diagnosis including root cause analysis and recommendations."

	repairSystemPrompt = "You fix malformed JSON. Return only the corrected JSON object, with no commentary and no markdown."

	maxPromptCommits      = 3
	maxPromptChangedFiles = 10
	maxCommitFiles        = 5
	truncationMarker      = "\n... [truncated]"
)

// responseSchema is shown to the model in the diagnosis and repair prompts.
const responseSchema = `{
  "title": "short title, at most 60 characters",
  "error_type": "the error class or category",
  "summary": "one paragraph overview of the failure and its impact",
  "root_cause": "what caused the error, citing files and lines where possible",
  "error_analysis": "technical analysis of the log, stack trace and code",
  "recommendations": ["concrete step", "another step"],
  "confidence_score": 0.0,
  "relevant_code_files": ["path/of/file.ext"]
}`

var promptTemplate = template.Must(template.New("diagnosis").Funcs(template.FuncMap{
	"short": func(h string) string {
		if len(h) > 8 {
			return h[:8]
		}
		return h
	},
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
	"kb":   func(v float64) string { return fmt.Sprintf("%.1f", v) },
}).Parse(`# Log Analysis Request

Analyze the following error log and diagnose it for a developer who needs to understand and fix the problem.

## Error Log Details
**Timestamp:** {{with .Log.Timestamp}}{{.Format "2006-01-02T15:04:05Z07:00"}}{{else}}Unknown{{end}}
**Log Level:** {{.Log.Level}}
**Format:** {{.Log.Format}}
**Source:** {{or .Log.Source "Unknown"}}
**Service:** {{or .Log.ServiceName "Unknown"}}
{{- with .Log.ErrorType}}
**Error Type:** {{.}}
{{- end}}

### Log Message
` + "```" + `
{{.Message}}
` + "```" + `
{{- if .StackTrace}}

### Stack Trace
` + "```" + `
{{.StackTrace}}
` + "```" + `
{{- end}}
{{- with .Log.ExtractedErrors}}

### Extracted Error Patterns
{{range $i, $e := .}}{{inc $i}}. {{$e}}
{{end}}
{{- end}}
{{- with .Git}}

## Repository Context
**Current Branch:** {{.Branch}}
**Latest Commit:** {{short .CurrentCommit}}
**Last Sync:** {{.SyncedAt.Format "2006-01-02T15:04:05Z07:00"}}
{{- if $.Stale}}
**Note:** the last repository sync failed; this context may be out of date.
{{- end}}
{{- with $.Commits}}

### Recent Commits
{{range .}}
**{{.ShortHash}}** by {{.Author}} ({{.Date.Format "2006-01-02"}}): {{.Message}}
Changes: +{{.Additions}} -{{.Deletions}}{{with .ChangedFiles}}, files: {{join . ", "}}{{end}}
{{end}}
{{- end}}
{{- with $.ChangedFiles}}

### Recently Changed Files
{{range .}}- {{.}}
{{end}}
{{- end}}
{{- end}}
{{- with .Candidates}}

## Relevant Code Files
The following files were identified as relevant to this error:
{{range .}}
### {{.FilePath}} ({{kb .SizeKB}}KB)
**Relevance:** {{.SelectionReason}}
{{range .Snippets}}
**Snippet (lines {{.StartLine}}-{{.EndLine}}):**
` + "```" + `
{{.Content}}
` + "```" + `
{{end}}
{{- end}}
{{- end}}

## Response Format
Respond with a single JSON object of this shape and nothing else:
{{.Schema}}
Use a confidence_score between 0.0 and 1.0. List in relevant_code_files only paths shown above.
`))

// promptData is the view of a job that the template renders.
type promptData struct {
	Log          *schemas.ParsedLog
	Message      string
	StackTrace   string
	Git          *schemas.GitSnapshot
	Stale        bool
	Commits      []schemas.CommitInfo
	ChangedFiles []string
	Candidates   []schemas.ContextCandidate
	Schema       string
}

func newPromptData(in DiagnoseInput) *promptData {
	d := &promptData{
		Log:        in.Parsed,
		Message:    in.Parsed.Message,
		StackTrace: in.Parsed.StackTrace,
		Git:        in.Snapshot,
		Stale:      in.Stale,
		Schema:     responseSchema,
	}
	if s := in.Snapshot; s != nil {
		for _, c := range s.RecentCommits[:min(len(s.RecentCommits), maxPromptCommits)] {
			c.ChangedFiles = c.ChangedFiles[:min(len(c.ChangedFiles), maxCommitFiles)]
			d.Commits = append(d.Commits, c)
		}
		d.ChangedFiles = s.ChangedFiles[:min(len(s.ChangedFiles), maxPromptChangedFiles)]
	}

	// Private copies so snippets can be dropped without touching the caller's candidates.
	d.Candidates = make([]schemas.ContextCandidate, len(in.Candidates))
	for i, c := range in.Candidates {
		c.Snippets = append([]schemas.CodeSnippet(nil), c.Snippets...)
		d.Candidates[i] = c
	}
	sort.SliceStable(d.Candidates, func(i, j int) bool {
		return d.Candidates[i].RelevanceScore > d.Candidates[j].RelevanceScore
	})
	return d
}

func (d *promptData) render() (string, error) {
	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render diagnosis prompt: %w", err)
	}
	return sb.String(), nil
}

// dropSnippet removes the last snippet of the lowest scored candidate that
// still has one, and reports whether anything was removed.
func (d *promptData) dropSnippet() bool {
	for i := len(d.Candidates) - 1; i >= 0; i-- {
		if n := len(d.Candidates[i].Snippets); n > 0 {
			d.Candidates[i].Snippets = d.Candidates[i].Snippets[:n-1]
			return true
		}
	}
	return false
}

// buildPrompt renders the prompt for in and keeps it within maxChars bytes.
// Snippets go first, lowest score first, then the stack trace is shortened,
// then the message.
func buildPrompt(in DiagnoseInput, maxChars int) (string, error) {
	d := newPromptData(in)
	prompt, err := d.render()
	if err != nil || maxChars <= 0 {
		return prompt, err
	}

	for len(prompt) > maxChars && d.dropSnippet() {
		if prompt, err = d.render(); err != nil {
			return "", err
		}
	}
	for _, field := range []*string{&d.StackTrace, &d.Message} {
		if len(prompt) <= maxChars || *field == "" {
			continue
		}
		*field = shorten(*field, len(*field)-(len(prompt)-maxChars))
		if prompt, err = d.render(); err != nil {
			return "", err
		}
	}
	if len(prompt) > maxChars {
		prompt = shorten(prompt, maxChars)
	}
	return prompt, nil
}

// shorten cuts s so that the result, marker included, is at most n bytes.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	keep := n - len(truncationMarker)
	if keep <= 0 {
		if n <= 0 {
			return ""
		}
		keep = n
		for keep > 0 && !utf8.RuneStart(s[keep]) {
			keep--
		}
		return s[:keep]
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + truncationMarker
}

func repairPrompt(invalid string) string {
	return "The following text was meant to be a JSON object with this shape:\n" + responseSchema +
		"\n\nIt could not be parsed. Return the corrected JSON object only.\n\nText:\n" + invalid
}
