package diagnosis

import "fmt"

// ParseError means the model output could not be read as a diagnosis, even
// after the repair re-prompt.
type ParseError struct {
	// Response is the last model output, truncated for the job record.
	Response string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model response could not be parsed as a diagnosis: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Kind is the job error kind for unparseable model output.
func (e *ParseError) Kind() string { return "parse" }
