package lognorm

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// Frame is one parsed stack frame. File is the path as printed by the runtime.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

var (
	pyTracebackRe  = regexp.MustCompile(`^\s*Traceback \(most recent call last\):`)
	javaThreadRe   = regexp.MustCompile(`^\s*Exception in thread `)
	atFrameLineRe  = regexp.MustCompile(`^\s+at\s+\S`)
	causedByRe     = regexp.MustCompile(`^\s*(Caused by:|\.\.\. \d+ more)`)
	goPanicRe      = regexp.MustCompile(`^\s*(panic: |fatal error: |goroutine \d+ \[)`)
	goFuncLineRe   = regexp.MustCompile(`^[\w./*()\[\]$-]+\(.*\)$`)
	genericStackRe = regexp.MustCompile(`(?i)^\s*stack ?trace:?`)
	exceptionHdrRe = regexp.MustCompile(`([A-Za-z_$][\w.$]*(?:Error|Exception|Exit|Interrupt|Warning))\b`)
)

var (
	pyFrameRe   = regexp.MustCompile(`File "([^"]+)", line (\d+)(?:, in (\S+))?`)
	javaFrameRe = regexp.MustCompile(`at ([\w.$<>]+)\(([\w$.-]+\.\w+):(\d+)\)`)
	jsFrameRe   = regexp.MustCompile(`at (?:(\S+?) \()?((?:[A-Za-z]:)?[^\s():]+\.[A-Za-z]+):(\d+):\d+\)?`)
	goFrameRe   = regexp.MustCompile(`^\s+((?:[A-Za-z]:)?[^\s:]+\.go):(\d+)`)
	fileLineRe  = regexp.MustCompile(`([\w./\\-]+\.(?:py|js|mjs|cjs|ts|tsx|jsx|go|java|kt|scala|rb|rs|cpp|cc|c|h|hpp|cs|php)):(\d+)`)
)

// extractStackTrace finds the first stack trace block in text.
func extractStackTrace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		switch {
		case pyTracebackRe.MatchString(line):
			return pythonBlock(lines, i)
		case goPanicRe.MatchString(line):
			return goBlock(lines, i)
		case javaThreadRe.MatchString(line):
			return atBlock(lines, i, i+1)
		case atFrameLineRe.MatchString(line):
			start := i
			if i > 0 && exceptionHdrRe.MatchString(lines[i-1]) {
				start = i - 1
			}
			return atBlock(lines, start, i)
		case genericStackRe.MatchString(line):
			return indentedBlock(lines, i)
		}
	}
	return ""
}

// pythonBlock takes the indented frames after the header and the exception line that ends them.
func pythonBlock(lines []string, start int) string {
	end := start + 1
	for end < len(lines) && isIndented(lines[end]) {
		end++
	}
	if end < len(lines) && strings.TrimSpace(lines[end]) != "" {
		end++
	}
	return joinTrimmed(lines[start:end])
}

// atBlock covers Java and JavaScript traces: "at ..." frames plus "Caused by:" chains.
func atBlock(lines []string, start, from int) string {
	end := from
	for end < len(lines) {
		l := lines[end]
		if atFrameLineRe.MatchString(l) || causedByRe.MatchString(l) {
			end++
			continue
		}
		break
	}
	return joinTrimmed(lines[start:end])
}

// goBlock collects a panic message and its goroutine dumps.
func goBlock(lines []string, start int) string {
	end := start + 1
	for end < len(lines) {
		l := lines[end]
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			next := nextNonBlank(lines, end)
			if next < 0 || !strings.HasPrefix(strings.TrimSpace(lines[next]), "goroutine ") {
				break
			}
			end = next
			continue
		}
		if isIndented(l) || goPanicRe.MatchString(l) || goFuncLineRe.MatchString(trimmed) ||
			strings.HasPrefix(trimmed, "created by ") || strings.HasPrefix(trimmed, "[signal ") ||
			strings.HasPrefix(trimmed, "exit status") {
			end++
			continue
		}
		break
	}
	return joinTrimmed(lines[start:end])
}

func indentedBlock(lines []string, start int) string {
	end := start + 1
	for end < len(lines) && (isIndented(lines[end]) || strings.HasPrefix(strings.TrimSpace(lines[end]), "#")) {
		end++
	}
	return joinTrimmed(lines[start:end])
}

func nextNonBlank(lines []string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func joinTrimmed(lines []string) string {
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\r\n")
}

// errorTypeFromTrace picks the exception class a trace reports. Python puts it
// on the last line, Java and JavaScript on the first, Go panics have none.
func errorTypeFromTrace(trace string) string {
	if trace == "" {
		return ""
	}
	lines := strings.Split(trace, "\n")
	first := strings.TrimSpace(lines[0])
	if pyTracebackRe.MatchString(first) {
		return exceptionName(lines[len(lines)-1])
	}
	if goPanicRe.MatchString(first) {
		if strings.Contains(first, "runtime error:") {
			return "runtime error"
		}
		return "panic"
	}
	return exceptionName(first)
}

func exceptionName(line string) string {
	m := exceptionHdrRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return ""
	}
	return m[1]
}

// StackFrames parses the frames referenced by the record's stack trace, or by
// the raw text when no trace was isolated. Frames are unique and in trace order.
func StackFrames(p *schemas.ParsedLog) []Frame {
	if p == nil {
		return nil
	}
	text := p.StackTrace
	if text == "" {
		text = p.Message
		if p.Raw != "" {
			text = p.Raw
		}
	}
	return parseFrames(text)
}

func parseFrames(text string) []Frame {
	var frames []Frame
	seen := make(map[string]bool)
	add := func(f Frame) {
		key := f.File + ":" + strconv.Itoa(f.Line)
		if f.File == "" || f.Line <= 0 || seen[key] {
			return
		}
		seen[key] = true
		frames = append(frames, f)
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if m := pyFrameRe.FindStringSubmatch(line); m != nil {
			add(Frame{File: m[1], Line: atoi(m[2]), Function: m[3]})
			continue
		}
		if m := javaFrameRe.FindStringSubmatch(line); m != nil {
			add(Frame{File: javaPath(m[1], m[2]), Line: atoi(m[3]), Function: m[1]})
			continue
		}
		if m := goFrameRe.FindStringSubmatch(line); m != nil {
			fn := ""
			if i > 0 {
				fn = strings.TrimSpace(lines[i-1])
				if p := strings.LastIndex(fn, "("); p > 0 {
					fn = fn[:p]
				}
			}
			add(Frame{File: m[1], Line: atoi(m[2]), Function: fn})
			continue
		}
		if m := jsFrameRe.FindStringSubmatch(line); m != nil {
			add(Frame{File: m[2], Line: atoi(m[3]), Function: m[1]})
			continue
		}
		for _, m := range fileLineRe.FindAllStringSubmatch(line, -1) {
			add(Frame{File: m[1], Line: atoi(m[2])})
		}
	}
	return frames
}

// javaPath rebuilds a source path from a qualified method and its file name:
// com.acme.Foo.bar + Foo.java gives com/acme/Foo.java.
func javaPath(method, file string) string {
	parts := strings.Split(method, ".")
	if len(parts) < 3 {
		return file
	}
	pkg := parts[:len(parts)-2]
	return strings.Join(append(pkg, file), "/")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
