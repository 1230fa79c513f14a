// Package llmclient implements the model providers behind schemas.LLMClient,
// together with the retry, timeout and rate limiting policy around them.
package llmclient

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.uber.org/zap"
)

// NewProviderClient creates the client for the configured provider and model.
func NewProviderClient(ctx context.Context, cfg config.LLMConfig, model string, logger *zap.Logger, metrics *observability.Metrics) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, model, logger, metrics)
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg, model, logger, metrics)
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, model, logger, metrics)
	case config.ProviderObserved:
		return NewObservedClient(cfg, model, logger, metrics)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [openai, anthropic, gemini, observed]", cfg.Provider)
	}
}

// NewClient builds a tier router. The powerful tier uses llm.model; the fast
// tier uses llm.repair_model and falls back to llm.model.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (*LLMRouter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	powerful, err := NewProviderClient(ctx, cfg, cfg.Model, logger, metrics)
	if err != nil {
		return nil, err
	}
	fast := powerful
	if cfg.RepairModel != "" && cfg.RepairModel != cfg.Model {
		fast, err = NewProviderClient(ctx, cfg, cfg.RepairModel, logger, metrics)
		if err != nil {
			_ = powerful.Close()
			return nil, err
		}
	}
	return NewLLMRouter(logger, fast, powerful)
}
