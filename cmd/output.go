package cmd

import (
	"fmt"
	"io"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON     = "json"
	formatMarkdown = "markdown"
	formatYAML     = "yaml"
)

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}

// jsonShaped re-reads v through its JSON encoding so that YAML output uses
// the same field names as the API.
func jsonShaped(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return out, nil
}

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return &UserError{Message: fmt.Sprintf("unsupported format %q", format), Hint: fmt.Sprintf("Use one of %v.", allowed)}
}
