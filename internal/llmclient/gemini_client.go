package llmclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiClient uses the Google Gen AI SDK against the Gemini API.
type GeminiClient struct {
	client     *genai.Client
	model      string
	cfg        config.LLMConfig
	httpClient *http.Client
	retrier    *Retrier
	logger     *zap.Logger
}

// NewGeminiClient initializes the SDK client. cfg.Endpoint overrides the API base URL.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, model string, logger *zap.Logger, metrics *observability.Metrics) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	named := logger.Named("llm_client.gemini")
	httpClient := newHTTPClient(named)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.Endpoint},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{
		client:     client,
		model:      model,
		cfg:        cfg,
		httpClient: httpClient,
		retrier:    NewRetrier(string(config.ProviderGemini), cfg, named, metrics),
		logger:     named,
	}, nil
}

func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	genCfg := c.buildConfig(req)
	contents := genai.Text(req.UserPrompt)
	return c.retrier.Do(ctx, req, func(ctx context.Context) (string, error) {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
		if err != nil {
			return "", err
		}
		if len(resp.Candidates) == 0 {
			return "", permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		text := resp.Text()
		if text == "" {
			reason := resp.Candidates[0].FinishReason
			if reason == genai.FinishReasonSafety || reason == genai.FinishReasonBlocklist {
				return "", permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
			}
			return "", fmt.Errorf("gemini API returned empty content (Reason: %s)", reason)
		}
		if u := resp.UsageMetadata; u != nil {
			c.logger.Debug("LLM generation complete.",
				zap.String("model", c.model),
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount))
		}
		return text, nil
	})
}

func (c *GeminiClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Options.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

func (c *GeminiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
