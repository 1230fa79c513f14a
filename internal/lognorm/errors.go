package lognorm

import "fmt"

// ValidationError reports a log entry that cannot enter the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid log entry: %s %s", e.Field, e.Reason)
}

// Kind is the job error kind for rejected entries.
func (e *ValidationError) Kind() string { return "validation" }
