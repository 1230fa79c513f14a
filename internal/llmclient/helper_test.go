package llmclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidLLMConfig returns an LLMConfig whose retries never sleep for long.
func getValidLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:         config.ProviderOpenAI,
		Model:            "test-model",
		APIKey:           "test-api-key",
		MaxTokens:        512,
		Temperature:      0.1,
		Timeout:          5 * time.Second,
		RetryCount:       2,
		RetryBackoffBase: 2,
		RetryBackoffMax:  30,
		RetryJitter:      1,
	}
}

func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "System prompt instructions.",
		UserPrompt:   "User query.",
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
		Purpose:      "diagnosis",
	}
}

// sleepRecorder replaces Retrier.sleep so tests run instantly.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func instantRetries(r *Retrier) *sleepRecorder {
	rec := &sleepRecorder{}
	r.sleep = rec.sleep
	r.sample = func() float64 { return 0.5 }
	return rec
}
