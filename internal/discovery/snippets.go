package discovery

import (
	"context"
	"path"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// maxSnippetLines caps every snippet, snapped or not.
const maxSnippetLines = 50

// maxTokenHits bounds how many token matching lines seed windows in one file.
const maxTokenHits = 6

// window is a 1-indexed, inclusive line range. anchor is the signal line
// that seeded it.
type window struct{ start, end, anchor int }

func (w window) span() int { return w.end - w.start + 1 }

// functionTypes lists the node types treated as an enclosing function, per language.
var functionTypes = map[string]map[string]bool{
	"go": {"function_declaration": true, "method_declaration": true, "func_literal": true},
	"javascript": {
		"function_declaration": true, "function": true, "function_expression": true,
		"arrow_function": true, "method_definition": true, "generator_function_declaration": true,
	},
	"python": {"function_definition": true},
}

func languageFor(p string) (string, *sitter.Language) {
	switch strings.ToLower(path.Ext(p)) {
	case ".go":
		return "go", golang.GetLanguage()
	case ".js", ".mjs", ".cjs", ".jsx":
		return "javascript", javascript.GetLanguage()
	case ".py":
		return "python", python.GetLanguage()
	}
	return "", nil
}

// snippetOptions are the snippet settings of the discovery section.
type snippetOptions struct {
	contextLines int
	maxSnippets  int
}

// extractSnippets builds windows around the frame lines first and token hits
// second, merging overlaps, and returns at most maxSnippets in line order.
func extractSnippets(ctx context.Context, filePath string, content []byte, frameLines []int, tokens []string, opts snippetOptions) []schemas.CodeSnippet {
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	n := len(lines)
	if n == 0 || opts.maxSnippets <= 0 {
		return nil
	}

	signalLines := make([]int, 0, len(frameLines)+maxTokenHits)
	for _, l := range frameLines {
		if l >= 1 && l <= n {
			signalLines = append(signalLines, l)
		}
	}
	if len(tokens) > 0 {
		hits := 0
		for i, line := range lines {
			if hits >= maxTokenHits {
				break
			}
			for _, tok := range tokens {
				if strings.Contains(line, tok) {
					signalLines = append(signalLines, i+1)
					hits++
					break
				}
			}
		}
	}
	if len(signalLines) == 0 {
		return nil
	}

	funcs := enclosingFunctions(ctx, filePath, content)

	var windows []window
	for _, l := range signalLines {
		w := window{start: max(1, l-opts.contextLines), end: min(n, l+opts.contextLines), anchor: l}
		if fw, ok := funcs.enclosing(l); ok {
			w = window{start: fw.start, end: fw.end, anchor: l}
		}
		if merged := mergeInto(windows, w); merged {
			continue
		}
		if len(windows) >= opts.maxSnippets {
			continue
		}
		windows = append(windows, w)
	}
	windows = normalizeWindows(windows)

	out := make([]schemas.CodeSnippet, 0, len(windows))
	for _, w := range windows {
		w = capAround(w)
		out = append(out, schemas.CodeSnippet{
			StartLine: w.start,
			EndLine:   w.end,
			Content:   strings.Join(lines[w.start-1:w.end], "\n"),
		})
	}
	return out
}

// mergeInto widens the first window overlapping or touching w and reports
// whether it found one. Windows never grow past maxSnippetLines by merging.
func mergeInto(windows []window, w window) bool {
	for i := range windows {
		if w.start <= windows[i].end+1 && windows[i].start <= w.end+1 {
			merged := window{start: min(windows[i].start, w.start), end: max(windows[i].end, w.end), anchor: windows[i].anchor}
			if merged.span() > maxSnippetLines {
				continue
			}
			windows[i] = merged
			return true
		}
	}
	return false
}

// normalizeWindows sorts windows and merges any that came to overlap after
// widening. Overlapping windows too long to merge are trimmed so no line is
// shown twice; the trimmed part lies inside the previous window.
func normalizeWindows(ws []window) []window {
	sort.Slice(ws, func(i, j int) bool { return ws[i].start < ws[j].start })
	var out []window
	for _, w := range ws {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if w.start <= last.end+1 {
				if merged := (window{start: last.start, end: max(last.end, w.end), anchor: last.anchor}); merged.span() <= maxSnippetLines {
					*last = merged
					continue
				}
				w.start = last.end + 1
				if w.start > w.end {
					continue
				}
				w.anchor = max(w.anchor, w.start)
			}
		}
		out = append(out, w)
	}
	return out
}

// capAround shortens w to maxSnippetLines, keeping its anchor line centred
// where the window allows it.
func capAround(w window) window {
	if w.span() <= maxSnippetLines {
		return w
	}
	start := max(w.start, w.anchor-maxSnippetLines/2)
	end := start + maxSnippetLines - 1
	if end > w.end {
		end = w.end
		start = end - maxSnippetLines + 1
	}
	return window{start: start, end: end, anchor: w.anchor}
}

// functionIndex holds function spans of one file, innermost last per nesting.
type functionIndex []window

// enclosing returns the innermost function containing line when it is short
// enough to show whole.
func (fi functionIndex) enclosing(line int) (window, bool) {
	best := window{}
	found := false
	for _, w := range fi {
		if line < w.start || line > w.end {
			continue
		}
		if !found || w.end-w.start < best.end-best.start {
			best, found = w, true
		}
	}
	if !found || best.end-best.start+1 > maxSnippetLines {
		return window{}, false
	}
	return best, true
}

// enclosingFunctions parses supported languages with tree-sitter. Anything
// else, or a parse failure, yields an empty index and plain windows.
func enclosingFunctions(ctx context.Context, filePath string, content []byte) functionIndex {
	name, lang := languageFor(filePath)
	if lang == nil {
		return nil
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	types := functionTypes[name]
	var idx functionIndex
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if types[n.Type()] {
			idx = append(idx, window{start: int(n.StartPoint().Row) + 1, end: int(n.EndPoint().Row) + 1})
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	return idx
}
