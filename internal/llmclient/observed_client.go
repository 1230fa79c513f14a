package llmclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ObservedClient sends requests through an OpenAI compatible observability
// proxy. The proxy authenticates with a "secret:public" key pair, and every
// call is recorded as a span carrying token usage.
type ObservedClient struct {
	chat   *OpenAIClient
	tracer trace.Tracer
}

func NewObservedClient(cfg config.LLMConfig, model string, logger *zap.Logger, metrics *observability.Metrics) (*ObservedClient, error) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("observed provider requires both a public and a secret key")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("observed provider requires an endpoint")
	}
	key := cfg.SecretKey + ":" + cfg.PublicKey
	return &ObservedClient{
		chat:   newChatClient(string(config.ProviderObserved), cfg, model, "Bearer "+key, logger, metrics),
		tracer: observability.Tracer(),
	}, nil
}

func (c *ObservedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "llm.generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("gen_ai.system", "observed"),
		attribute.String("gen_ai.request.model", c.chat.model),
		attribute.Float64("gen_ai.request.temperature", req.Options.Temperature),
		attribute.String("llm.tier", string(req.Tier)),
		attribute.String("llm.purpose", req.Purpose),
		attribute.String("logdiag.job_id", req.JobID),
		attribute.Int("llm.prompt_chars", len(req.SystemPrompt)+len(req.UserPrompt)),
	)

	out, usage, err := c.chat.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var pe *ProviderError
		if errors.As(err, &pe) {
			span.SetAttributes(attribute.Int("llm.attempts", pe.Attempts), attribute.Int("http.response.status_code", pe.StatusCode))
		}
		return "", err
	}
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", usage.CompletionTokens),
		attribute.Int("llm.response_chars", len(out)),
	)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (c *ObservedClient) Close() error { return c.chat.Close() }
