// Package intake feeds log entries to the diagnosis pool from a tailed file
// or a Kafka topic, keeping only entries loud enough to diagnose.
package intake

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/engine"
	"github.com/xkilldash9x/logdiag/internal/lognorm"
)

// Submitter queues a diagnosis. *engine.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, entry schemas.LogEntry, opts schemas.JobOptions) (string, error)
}

// Classifier returns the normalized level of raw content.
type Classifier interface {
	Level(content string) string
}

// gate applies the level filter and submits, logging instead of failing.
type gate struct {
	submit   Submitter
	classify Classifier
	minLevel string
	maxSize  int
	opts     schemas.JobOptions
	logger   *zap.Logger
}

// offer reports whether entry was queued.
func (g *gate) offer(ctx context.Context, entry schemas.LogEntry) bool {
	if g.maxSize > 0 && len(entry.Content) > g.maxSize {
		entry.Content = entry.Content[:g.maxSize]
	}
	level := g.classify.Level(entry.Content)
	if level == "" || !lognorm.AtLeast(level, g.minLevel) {
		return false
	}

	id, err := g.submit.Submit(ctx, entry, g.opts)
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		g.logger.Warn("Diagnosis queue full, dropping log entry.", zap.String("source", entry.Source), zap.String("level", level))
		return false
	case err != nil:
		g.logger.Warn("Could not submit log entry.", zap.String("source", entry.Source), zap.Error(err))
		return false
	}
	g.logger.Info("Log entry submitted for diagnosis.", zap.String("job_id", id), zap.String("level", level), zap.String("source", entry.Source))
	return true
}
