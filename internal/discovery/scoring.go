package discovery

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/lognorm"
)

// Signal weights. A file's raw score is the sum of the signals it shows.
const (
	weightTraceExact   = 0.8
	weightTraceBase    = 0.7
	weightTraceStem    = 0.6
	weightChanged      = 0.6
	weightTokenEach    = 0.1
	weightTokenMax     = 0.4
	weightErrorKeyword = 0.4
	weightTypeMax      = 0.3

	maxRawScore = weightTraceExact + weightChanged + weightTokenMax + weightErrorKeyword + weightTypeMax

	defaultReason = "low base relevance"
)

// stopwords never count as overlap. They are either too common in log text
// or in source paths to say anything about a file.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "not": true, "was": true,
	"are": true, "has": true, "had": true, "but": true, "this": true, "that": true, "into": true,
	"error": true, "errors": true, "exception": true, "traceback": true, "most": true, "recent": true,
	"call": true, "last": true, "file": true, "line": true, "none": true, "null": true, "nil": true,
	"failed": true, "failure": true, "fatal": true, "panic": true, "goroutine": true, "running": true,
	"thread": true, "main": true, "src": true, "lib": true, "app": true, "index": true, "test": true,
	"true": true, "false": true, "info": true, "warn": true, "debug": true, "critical": true,
	"py": true, "go": true, "js": true, "ts": true, "java": true, "rb": true, "node": true, "modules": true,
	"usr": true, "local": true, "site": true, "packages": true, "internal": true, "runtime": true,
}

// signals is what the log says about which files matter.
type signals struct {
	frames        []lognorm.Frame
	tokens        map[string]bool
	errorKeywords []string
	snippetTokens []string
}

func extractSignals(p *schemas.ParsedLog) signals {
	s := signals{tokens: map[string]bool{}}
	if p == nil {
		return s
	}
	s.frames = lognorm.StackFrames(p)

	for _, tok := range tokenize(p.Message + "\n" + p.StackTrace + "\n" + p.ErrorType) {
		if len(tok) >= 3 && !stopwords[tok] {
			s.tokens[tok] = true
		}
	}

	seen := map[string]bool{}
	errText := append([]string{p.ErrorType}, p.ExtractedErrors...)
	for _, e := range errText {
		for _, tok := range tokenize(e) {
			if len(tok) >= 4 && !stopwords[tok] && !seen[tok] {
				seen[tok] = true
				s.errorKeywords = append(s.errorKeywords, tok)
			}
		}
	}
	sort.Strings(s.errorKeywords)

	s.snippetTokens = snippetTokens(p)
	return s
}

// snippetTokens are identifiers from the error line worth searching source for:
// the short error type and quoted or identifier-like words of the message.
func snippetTokens(p *schemas.ParsedLog) []string {
	var out []string
	seen := map[string]bool{}
	add := func(t string) {
		if len(t) >= 4 && !seen[t] && !stopwords[strings.ToLower(t)] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if p.ErrorType != "" {
		short := p.ErrorType
		if i := strings.LastIndexAny(short, ".$"); i >= 0 {
			short = short[i+1:]
		}
		add(short)
	}
	for _, w := range strings.FieldsFunc(firstLine(p.Message), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	}) {
		if strings.ContainsAny(w, "_") || hasInnerUpper(w) {
			add(w)
		}
		if len(out) >= 6 {
			break
		}
	}
	return out
}

func hasInnerUpper(w string) bool {
	for i, r := range w {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

// tokenize lowercases text and splits it on non alphanumerics and camelCase boundaries.
func tokenize(text string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}

// scored is a file with its relevance and the frame lines that point into it.
type scored struct {
	file     schemas.SourceFile
	score    float64
	raw      float64
	changed  bool
	reasons  []string
	lines    []int
	typeOnly bool
}

func (s *scored) reason() string {
	if len(s.reasons) == 0 {
		return defaultReason
	}
	return strings.Join(s.reasons, "; ")
}

// scoreFile applies every signal to one file. The result is normalized into [0,1].
func scoreFile(f schemas.SourceFile, sig signals, snap *schemas.GitSnapshot, priority []string, useChanges bool) scored {
	sc := scored{file: f}
	base := path.Base(f.Path)
	stem := strings.TrimSuffix(base, path.Ext(base))

	// Stack references: the strongest match over all frames wins.
	trace := 0.0
	var traceReason string
	for _, fr := range sig.frames {
		fp := path.Clean(strings.ReplaceAll(fr.File, `\`, "/"))
		fbase := path.Base(fp)
		var w float64
		var r string
		switch {
		case fp == f.Path || strings.HasSuffix(fp, "/"+f.Path) || strings.HasSuffix(f.Path, "/"+fp):
			w, r = weightTraceExact, "referenced in stack trace"
		case fbase == base:
			w, r = weightTraceBase, fmt.Sprintf("file name %q appears in stack trace", base)
		case stem != "" && strings.TrimSuffix(fbase, path.Ext(fbase)) == stem:
			w, r = weightTraceStem, fmt.Sprintf("file stem %q appears in stack trace", stem)
		}
		if w >= weightTraceBase {
			sc.lines = append(sc.lines, fr.Line)
		}
		if w > trace {
			trace, traceReason = w, r
		}
	}
	if trace > 0 {
		sc.raw += trace
		sc.reasons = append(sc.reasons, traceReason)
	}

	if useChanges && snap.HasChanged(f.Path) {
		sc.changed = true
		sc.raw += weightChanged
		sc.reasons = append(sc.reasons, "recently changed")
	}

	var overlap []string
	seen := map[string]bool{}
	for _, tok := range tokenize(f.Path) {
		if sig.tokens[tok] && !seen[tok] {
			seen[tok] = true
			overlap = append(overlap, tok)
		}
	}
	if len(overlap) > 0 {
		sc.raw += min(float64(len(overlap))*weightTokenEach, weightTokenMax)
		sc.reasons = append(sc.reasons, fmt.Sprintf("path shares terms with the log: %s", strings.Join(overlap, ", ")))
	}

	lowerBase := strings.ToLower(base)
	for _, kw := range sig.errorKeywords {
		if strings.Contains(lowerBase, kw) {
			sc.raw += weightErrorKeyword
			sc.reasons = append(sc.reasons, fmt.Sprintf("file name matches error keyword %q", kw))
			break
		}
	}

	ext := strings.ToLower(path.Ext(f.Path))
	typeScore := 0.0
	for i, p := range priority {
		if strings.ToLower(p) == ext {
			typeScore = weightTypeMax * (1 - float64(i)/float64(len(priority)))
			break
		}
	}
	sc.typeOnly = sc.raw == 0
	sc.raw += typeScore

	sc.score = clamp01(sc.raw / maxRawScore)
	sort.Ints(sc.lines)
	return sc
}

// rank orders by score, then changed files first, then path.
func rank(c []scored) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].score != c[j].score {
			return c[i].score > c[j].score
		}
		if c[i].changed != c[j].changed {
			return c[i].changed
		}
		return c[i].file.Path < c[j].file.Path
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
