// Package llmutil holds helpers for turning free-form model output into data.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick; raw strings cannot contain one.
	fenceRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

	// trailingCommaRegex matches a comma directly before a closing brace or bracket.
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
)

// ExtractJSON isolates the JSON object in a model response. Markdown fences
// are stripped and any prose before the first '{' or after the last '}' is cut.
func ExtractJSON(response string) string {
	s := strings.TrimSpace(response)
	if m := fenceRegex.FindStringSubmatch(s); len(m) > 1 {
		s = m[1]
	}
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first != -1 && last > first {
		s = s[first : last+1]
	}
	return strings.TrimSpace(s)
}

// RepairJSON applies the cheap fixes models most often need: extraction
// followed by removal of trailing commas.
func RepairJSON(response string) string {
	return trailingCommaRegex.ReplaceAllString(ExtractJSON(response), "$1")
}

// ParseJSONResponse decodes a model response into T. The response is tried
// as extracted first and repaired second.
func ParseJSONResponse[T any](response string) (*T, error) {
	extracted := ExtractJSON(response)
	var result T
	err := json.Unmarshal([]byte(extracted), &result)
	if err == nil {
		return &result, nil
	}

	repaired := trailingCommaRegex.ReplaceAllString(extracted, "$1")
	if repaired != extracted {
		var second T
		if err2 := json.Unmarshal([]byte(repaired), &second); err2 == nil {
			return &second, nil
		}
	}
	return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(extracted, 500))
}

// ParseJSONObject decodes a response into a generic object, for callers that
// coerce field types themselves.
func ParseJSONObject(response string) (map[string]any, error) {
	obj, err := ParseJSONResponse[map[string]any](response)
	if err != nil {
		return nil, err
	}
	if *obj == nil {
		return nil, fmt.Errorf("LLM response is not a JSON object")
	}
	return *obj, nil
}

// Truncate cuts s to maxLen bytes, backing up to a rune boundary.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
