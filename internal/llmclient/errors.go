package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"
)

// ProviderError is returned once a provider call has failed for good, either
// because retries ran out or because the failure could not be retried.
type ProviderError struct {
	Provider   string
	Attempts   int
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm provider %s failed after %d attempt(s) (status %d): %v", e.Provider, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm provider %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Kind is the job error kind for provider failures.
func (e *ProviderError) Kind() string { return "provider" }

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d, body: %s", e.Provider, e.StatusCode, e.Body)
}

// permanentError marks failures that retrying cannot fix, such as a request
// that does not encode or a response that does not decode.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// classify decides whether err is worth another attempt and extracts the
// HTTP status when one is known.
func classify(err error) (retryable bool, status int) {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false, statusOf(err)
	}

	if status = statusOf(err); status != 0 {
		switch {
		case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
			return true, status
		default:
			return false, status
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true, 0
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, 0
	}
	return false, 0
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return gErrPtr.Code
	}
	return 0
}
