package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/xkilldash9x/logdiag/internal/config"
)

// UserError is a failure worth explaining to the person at the terminal.
type UserError struct {
	Message string
	Hint    string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *UserError) Unwrap() error { return e.Err }

func configError(err error) error {
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		return &UserError{
			Message: "invalid configuration",
			Hint: "Set repository.url and the API key for llm.provider in config.yaml, or export " +
				"LOGDIAG_REPOSITORY_URL and the provider key (for example OPENAI_API_KEY). " +
				"Run 'logdiag config validate' to list every problem.",
			Err: err,
		}
	}
	return &UserError{Message: "failed to load configuration", Err: err}
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err)
	var ue *UserError
	if errors.As(err, &ue) && ue.Hint != "" {
		fmt.Fprintln(w, "Hint:", ue.Hint)
	}
}
