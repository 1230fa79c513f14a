package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/internal/network"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4096

// newHTTPClient returns the pooled client a provider keeps for its lifetime.
// Per attempt deadlines come from the retrier, so the client sets none.
func newHTTPClient(logger *zap.Logger) *http.Client {
	cfg := network.NewDefaultClientConfig()
	cfg.Logger = logger
	return network.NewClient(cfg)
}

// postJSON sends payload to url and decodes a 2xx answer into out.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent(fmt.Errorf("failed to marshal request payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(msg)}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return permanent(fmt.Errorf("failed to decode response payload: %w", err))
	}
	return nil
}
