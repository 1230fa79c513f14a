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

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIClient talks to an OpenAI compatible chat completions endpoint.
type OpenAIClient struct {
	name       string
	baseURL    string
	model      string
	authHeader string
	cfg        config.LLMConfig
	httpClient *http.Client
	retrier    *Retrier
	logger     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

// NewOpenAIClient builds a client for model. An empty endpoint targets the public API.
func NewOpenAIClient(cfg config.LLMConfig, model string, logger *zap.Logger, metrics *observability.Metrics) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API Key is required")
	}
	return newChatClient(string(config.ProviderOpenAI), cfg, model, "Bearer "+cfg.APIKey, logger, metrics), nil
}

func newChatClient(name string, cfg config.LLMConfig, model, authHeader string, logger *zap.Logger, metrics *observability.Metrics) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = defaultOpenAIEndpoint
	}
	named := logger.Named("llm_client." + name)
	return &OpenAIClient{
		name:       name,
		baseURL:    base,
		model:      model,
		authHeader: authHeader,
		cfg:        cfg,
		httpClient: newHTTPClient(named),
		retrier:    NewRetrier(name, cfg, named, metrics),
		logger:     named,
	}
}

// Generate sends the prompts and returns the first choice's content.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	out, _, err := c.generate(ctx, req)
	return out, err
}

func (c *OpenAIClient) generate(ctx context.Context, req schemas.GenerationRequest) (string, chatUsage, error) {
	payload := c.buildRequestPayload(req)
	var usage chatUsage
	out, err := c.retrier.Do(ctx, req, func(ctx context.Context) (string, error) {
		var resp chatResponse
		err := postJSON(ctx, c.httpClient, c.name, c.baseURL+"/chat/completions",
			map[string]string{"Authorization": c.authHeader}, payload, &resp)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%s API returned no choices", c.name)
		}
		usage = resp.Usage
		c.logger.Debug("LLM generation complete.",
			zap.String("model", c.model),
			zap.String("finish_reason", resp.Choices[0].FinishReason),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens))
		return resp.Choices[0].Message.Content, nil
	})
	return out, usage, err
}

func (c *OpenAIClient) buildRequestPayload(req schemas.GenerationRequest) chatRequest {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
	if payload.MaxTokens == 0 {
		payload.MaxTokens = c.cfg.MaxTokens
	}
	if req.Options.ForceJSONFormat {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return payload
}

func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
