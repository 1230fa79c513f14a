package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion         = "2023-06-01"
)

// AnthropicClient talks to the Messages API.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	model      string
	cfg        config.LLMConfig
	httpClient *http.Client
	retrier    *Retrier
	logger     *zap.Logger
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func NewAnthropicClient(cfg config.LLMConfig, model string, logger *zap.Logger, metrics *observability.Metrics) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API Key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = defaultAnthropicEndpoint
	}
	named := logger.Named("llm_client.anthropic")
	return &AnthropicClient{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		model:      model,
		cfg:        cfg,
		httpClient: newHTTPClient(named),
		retrier:    NewRetrier(string(config.ProviderAnthropic), cfg, named, metrics),
		logger:     named,
	}, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	payload := c.buildRequestPayload(req)
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	return c.retrier.Do(ctx, req, func(ctx context.Context) (string, error) {
		var resp anthropicResponse
		if err := postJSON(ctx, c.httpClient, "anthropic", c.baseURL+"/messages", headers, payload, &resp); err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return "", fmt.Errorf("anthropic API returned no text content (stop reason: %s)", resp.StopReason)
		}
		c.logger.Debug("LLM generation complete.",
			zap.String("model", c.model),
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens))
		return sb.String(), nil
	})
}

func (c *AnthropicClient) buildRequestPayload(req schemas.GenerationRequest) anthropicRequest {
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	user := req.UserPrompt
	if req.Options.ForceJSONFormat {
		// The Messages API has no JSON mode; the instruction goes into the prompt.
		user += "\n\nRespond with a single JSON object and nothing else."
	}
	return anthropicRequest{
		Model:       c.model,
		System:      req.SystemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: user}},
		MaxTokens:   maxTokens,
		Temperature: req.Options.Temperature,
	}
}

func (c *AnthropicClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
