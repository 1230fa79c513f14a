package service

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/diagnosis"
	"github.com/xkilldash9x/logdiag/internal/discovery"
	"github.com/xkilldash9x/logdiag/internal/engine"
	"github.com/xkilldash9x/logdiag/internal/events"
	"github.com/xkilldash9x/logdiag/internal/gitctx"
	"github.com/xkilldash9x/logdiag/internal/lognorm"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"github.com/xkilldash9x/logdiag/internal/store"
)

// Components holds every initialized service of the diagnosis pipeline and
// owns their lifecycle.
type Components struct {
	Config       config.Interface
	Normalizer   *lognorm.Normalizer
	Git          *gitctx.Provider
	Discovery    *discovery.Engine
	LLM          schemas.LLMClient
	Orchestrator *diagnosis.Orchestrator
	Reports      store.ReportStore
	Pool         *engine.Pool

	// Broker is set when events are enabled or a Kafka intake topic is
	// configured. Publisher wraps it with retries and is nil unless events
	// are enabled.
	Broker    events.Broker
	Publisher events.Publisher

	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	logger    *zap.Logger
	shutdowns []func(context.Context) error
}

// snapshotSource reads discovery input from the commit of snap rather than
// the working tree another job's sync may be rewriting.
func (c *Components) snapshotSource(snap *schemas.GitSnapshot) (discovery.FileSource, error) {
	src, err := c.Git.TreeSource(snap)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Shutdown releases everything in reverse dependency order: the pool drains
// first so that in-flight jobs can still persist reports and publish events.
func (c *Components) Shutdown(ctx context.Context) error {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	var errs []error
	if c.Pool != nil {
		if err := c.Pool.Stop(ctx); err != nil {
			errs = append(errs, err)
			logger.Warn("Worker pool did not drain before the deadline.", zap.Error(err))
		} else {
			logger.Debug("Worker pool stopped.")
		}
	}
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			errs = append(errs, err)
		}
		logger.Debug("Event broker closed.")
	}
	if c.Reports != nil {
		if err := c.Reports.Close(); err != nil {
			errs = append(errs, err)
		}
		logger.Debug("Report store closed.")
	}
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(c.shutdowns) - 1; i >= 0; i-- {
		if err := c.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		logger.Info("All components shut down successfully.")
	}
	return errors.Join(errs...)
}
