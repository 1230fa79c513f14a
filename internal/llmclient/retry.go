package llmclient

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy describes how many times a call is retried and how long to
// wait in between. Base, Max and Jitter are in seconds.
type RetryPolicy struct {
	MaxRetries int
	Base       float64
	Max        float64
	Jitter     float64
}

// PolicyFromConfig reads the retry settings of the llm section.
func PolicyFromConfig(cfg config.LLMConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.RetryCount,
		Base:       cfg.RetryBackoffBase,
		Max:        cfg.RetryBackoffMax,
		Jitter:     cfg.RetryJitter,
	}
}

// Delay is the wait before retry k (k starts at 1): min(Base^k, Max) seconds
// plus u*Jitter, never exceeding Max. u is a sample from [0, 1).
func (p RetryPolicy) Delay(k int, u float64) time.Duration {
	if k < 1 {
		k = 1
	}
	u = math.Min(math.Max(u, 0), 1)
	secs := math.Min(math.Pow(p.Base, float64(k)), p.Max)
	secs = math.Min(secs+u*p.Jitter, p.Max)
	return time.Duration(secs * float64(time.Second))
}

// Retrier runs provider attempts under a per-attempt timeout, a shared rate
// limit and the retry policy.
type Retrier struct {
	provider string
	policy   RetryPolicy
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *observability.Metrics

	sleep  func(ctx context.Context, d time.Duration) error
	sample func() float64
}

// NewRetrier builds a retrier for provider from the llm section.
func NewRetrier(provider string, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		provider: provider,
		policy:   PolicyFromConfig(cfg),
		timeout:  cfg.Timeout,
		limiter:  newLimiter(cfg.RequestsPerSecond),
		logger:   logger.Named("retry"),
		metrics:  metrics,
		sleep:    sleepCtx,
		sample:   rand.Float64,
	}
}

// newLimiter returns an unlimited limiter for rps <= 0.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
}

// Attempt performs one provider call.
type Attempt func(ctx context.Context) (string, error)

// Do runs attempt until it succeeds, fails permanently, or the retry budget
// of MaxRetries additional attempts is spent. Failures come back as *ProviderError.
func (r *Retrier) Do(ctx context.Context, req schemas.GenerationRequest, attempt Attempt) (string, error) {
	il := observability.InteractionLoggerFrom(ctx)
	var prevDelay time.Duration

	for n := 1; ; n++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", &ProviderError{Provider: r.provider, Attempts: n - 1, Err: err}
		}

		il.LogRequest(r.provider, n, req)
		start := time.Now()
		out, err := r.once(ctx, attempt)
		if err == nil {
			r.metrics.LLMAttempt(ctx, r.provider, "ok")
			il.LogResponse(r.provider, n, out, time.Since(start))
			return out, nil
		}
		il.LogError(r.provider, n, err)

		retryable, status := classify(err)
		// The caller's own cancellation ends the loop regardless of classification.
		if ctx.Err() != nil {
			retryable = false
		}
		if !retryable || n > r.policy.MaxRetries {
			r.metrics.LLMAttempt(ctx, r.provider, "failed")
			return "", &ProviderError{Provider: r.provider, Attempts: n, Retryable: retryable, StatusCode: status, Err: err}
		}
		r.metrics.LLMAttempt(ctx, r.provider, "retry")

		delay := r.policy.Delay(n, r.sample())
		if delay < prevDelay {
			delay = prevDelay
		}
		prevDelay = delay
		r.logger.Warn("LLM call failed, retrying.",
			zap.String("provider", r.provider),
			zap.Int("attempt", n),
			zap.Int("status", status),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := r.sleep(ctx, delay); err != nil {
			return "", &ProviderError{Provider: r.provider, Attempts: n, Retryable: true, StatusCode: status, Err: err}
		}
	}
}

func (r *Retrier) once(ctx context.Context, attempt Attempt) (string, error) {
	if r.timeout <= 0 {
		return attempt(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return attempt(attemptCtx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
