package diagnosis

import (
	"strconv"
	"strings"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

const (
	maxTitleLen       = 60
	defaultConfidence = 0.5
)

var defaultRecommendations = []string{"Review error logs", "Check recent code changes"}

// fields is a diagnosis as the model returned it. Types are coerced by hand
// because models get them wrong often enough.
type fields map[string]any

func (f fields) str(key string) string {
	v, _ := f[key].(string)
	return strings.TrimSpace(v)
}

func (f fields) list(key string) ([]string, bool) {
	raw, ok := f[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out, true
}

func (f fields) confidence() float64 {
	var v float64
	switch c := f["confidence_score"].(type) {
	case float64:
		v = c
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return defaultConfidence
		}
		v = parsed
	default:
		return defaultConfidence
	}
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// usable reports whether the object looks like a diagnosis at all.
func (f fields) usable() bool {
	for _, k := range []string{"title", "summary", "root_cause", "error_analysis", "recommendations"} {
		if _, ok := f[k]; ok {
			return true
		}
	}
	return false
}

// buildResult turns model fields into a result. Ids, timings and the git and
// discovery sections are left to the caller.
func buildResult(f fields, in DiagnoseInput) *schemas.DiagnosisResult {
	r := &schemas.DiagnosisResult{
		Title:           clipTitle(f.str("title")),
		ErrorType:       f.str("error_type"),
		Summary:         f.str("summary"),
		RootCause:       f.str("root_cause"),
		ErrorAnalysis:   f.str("error_analysis"),
		ConfidenceScore: f.confidence(),
	}
	if r.Title == "" {
		r.Title = clipTitle(fallbackTitle(in.Parsed))
	}
	if r.ErrorType == "" {
		r.ErrorType = in.Parsed.ErrorType
	}
	if r.ErrorType == "" {
		r.ErrorType = "Error"
	}
	if r.Summary == "" {
		r.Summary = "Log analysis completed"
	}
	if r.RootCause == "" {
		r.RootCause = "Root cause analysis pending"
	}
	if r.ErrorAnalysis == "" {
		r.ErrorAnalysis = "Detailed error analysis pending"
	}
	if recs, ok := f.list("recommendations"); ok && len(recs) > 0 {
		r.Recommendations = recs
	} else {
		r.Recommendations = append([]string(nil), defaultRecommendations...)
	}

	cited, _ := f.list("relevant_code_files")
	r.RelevantCodeFiles = relevantFiles(in.Candidates, cited)
	return r
}

// relevantFiles keeps the discovered candidates that carry snippets, then
// adds any other discovered candidate the model cited. Paths outside the
// discovered set are ignored.
func relevantFiles(cands []schemas.ContextCandidate, cited []string) []schemas.ContextCandidate {
	out := []schemas.ContextCandidate{}
	included := map[string]bool{}
	byPath := make(map[string]schemas.ContextCandidate, len(cands))
	for _, c := range cands {
		byPath[c.FilePath] = c
		if len(c.Snippets) > 0 {
			out = append(out, c)
			included[c.FilePath] = true
		}
	}
	for _, p := range cited {
		if c, ok := byPath[p]; ok && !included[p] {
			out = append(out, c)
			included[p] = true
		}
	}
	return out
}

func clipTitle(t string) string {
	if len([]rune(t)) <= maxTitleLen {
		return t
	}
	return string([]rune(t)[:maxTitleLen-3]) + "..."
}

// fallbackTitle reads like "Error Level Issue in checkout".
func fallbackTitle(p *schemas.ParsedLog) string {
	level := strings.ToLower(p.Level)
	if level == "" {
		level = "unknown"
	}
	title := strings.ToUpper(level[:1]) + level[1:] + " Level Issue"
	if p.ServiceName != "" {
		title += " in " + p.ServiceName
	}
	return title
}
