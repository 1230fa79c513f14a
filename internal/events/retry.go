package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryingPublisher retries failed publishes with exponential backoff until
// MaxElapsed has passed.
type RetryingPublisher struct {
	next       Publisher
	maxElapsed time.Duration
	logger     *zap.Logger

	// initialInterval is shortened by tests.
	initialInterval time.Duration
}

// NewRetryingPublisher wraps next.
func NewRetryingPublisher(next Publisher, maxElapsed time.Duration, logger *zap.Logger) *RetryingPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingPublisher{
		next:            next,
		maxElapsed:      maxElapsed,
		logger:          logger.Named("events"),
		initialInterval: backoff.DefaultInitialInterval,
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxElapsedTime = p.maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := p.next.Publish(ctx, topic, key, value)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Publish failed, retrying.",
			zap.String("topic", topic), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (p *RetryingPublisher) Close() error { return p.next.Close() }
