package lognorm

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/logdiag/api/schemas"
)

// Field name candidates, in priority order. The first present non-empty key wins.
var (
	timestampKeys = []string{"timestamp", "time", "@timestamp", "eventTime", "date", "ts"}
	levelKeys     = []string{"level", "severity", "priority", "logLevel"}
	messageKeys   = []string{"message", "msg", "text", "description", "error", "errorMessage"}
	sourceKeys    = []string{"source", "logger", "loggerName", "component"}
	serviceKeys   = []string{"service", "serviceName", "application", "app"}
	stackKeys     = []string{"stackTrace", "stack", "trace", "exception", "stacktrace"}
	errorTypeKeys = []string{"errorType", "error_type", "exceptionType", "exception_type"}
)

// lookup returns the first non-empty value among keys.
func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func lookupString(obj map[string]any, keys []string) string {
	v, ok := lookup(obj, keys)
	if !ok {
		return ""
	}
	return stringify(v)
}

// stringify renders a decoded JSON value. Arrays of strings join with newlines
// so stack traces delivered as line arrays read naturally.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, "\n")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// -- Levels --

var levelAliases = map[string]string{
	"TRACE":    schemas.LevelDebug,
	"DEBUG":    schemas.LevelDebug,
	"INFO":     schemas.LevelInfo,
	"NOTICE":   schemas.LevelInfo,
	"WARN":     schemas.LevelWarn,
	"WARNING":  schemas.LevelWarn,
	"ERR":      schemas.LevelError,
	"ERROR":    schemas.LevelError,
	"FATAL":    schemas.LevelFatal,
	"CRITICAL": schemas.LevelFatal,
	"CRIT":     schemas.LevelFatal,
	"PANIC":    schemas.LevelFatal,
	"EMERG":    schemas.LevelFatal,
	"ALERT":    schemas.LevelFatal,
}

// NormalizeLevel maps a level name or number onto the five normalized levels.
// It returns "" for values it does not recognize.
func NormalizeLevel(v any) string {
	switch t := v.(type) {
	case float64:
		return numericLevel(int(t))
	case string:
		s := strings.ToUpper(strings.TrimSpace(t))
		if lvl, ok := levelAliases[s]; ok {
			return lvl
		}
		if n, err := strconv.Atoi(s); err == nil {
			return numericLevel(n)
		}
	}
	return ""
}

// numericLevel understands syslog priorities (0-7) and pino style levels (10-60).
func numericLevel(n int) string {
	if n >= 10 {
		switch {
		case n >= 60:
			return schemas.LevelFatal
		case n >= 50:
			return schemas.LevelError
		case n >= 40:
			return schemas.LevelWarn
		case n >= 30:
			return schemas.LevelInfo
		default:
			return schemas.LevelDebug
		}
	}
	switch {
	case n < 0:
		return ""
	case n <= 2:
		return schemas.LevelFatal
	case n == 3:
		return schemas.LevelError
	case n == 4:
		return schemas.LevelWarn
	case n <= 6:
		return schemas.LevelInfo
	default:
		return schemas.LevelDebug
	}
}

var errorKeywordRe = regexp.MustCompile(`(?i)error|fatal|critical`)

// inferLevel is used when no explicit level is present.
func inferLevel(message string) string {
	if errorKeywordRe.MatchString(message) {
		return schemas.LevelError
	}
	return schemas.LevelInfo
}

// textLevelNames are searched in order; the first hit decides the level.
var textLevelNames = []string{"FATAL", "CRITICAL", "ERROR", "WARN", "WARNING", "INFO", "DEBUG"}

var textLevelRes = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(textLevelNames))
	for i, n := range textLevelNames {
		out[i] = regexp.MustCompile(`(?i)\b` + n + `\b`)
	}
	return out
}()

func levelFromText(content string) string {
	for i, re := range textLevelRes {
		if re.MatchString(content) {
			return levelAliases[textLevelNames[i]]
		}
	}
	return ""
}

// -- Timestamps --

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006/01/02 15:04:05.999999999",
	"01/02/2006 15:04:05",
	"02/Jan/2006:15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
}

var textTimestampRes = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
	regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?`),
	regexp.MustCompile(`\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) {1,2}\d{1,2} \d{2}:\d{2}:\d{2}`),
}

// parseTimestamp parses the supported string forms. Syslog stamps carry no
// year and take the year of now.
func parseTimestamp(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.Stamp, s); err == nil {
		return t.AddDate(now.Year(), 0, 0), true
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(n)
	}
	return time.Time{}, false
}

// epoch interprets n as seconds, or milliseconds when it is too large to be seconds.
func epoch(n float64) (time.Time, bool) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, false
	}
	if n >= 1e12 {
		ms := int64(n)
		return time.UnixMilli(ms).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func timestampFromValue(v any, now time.Time) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return epoch(t)
	case string:
		return parseTimestamp(t, now)
	}
	return time.Time{}, false
}

func timestampFromText(content string, now time.Time) (time.Time, bool) {
	for _, re := range textTimestampRes {
		if m := re.FindString(content); m != "" {
			if t, ok := parseTimestamp(m, now); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
