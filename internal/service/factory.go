// Package service wires configuration into a running diagnosis pipeline.
package service

import (
	"context"
	"fmt"

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

// ComponentFactory creates the components of the diagnosis pipeline. The
// returned pool is not started.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type (
	llmBuilder    func(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (schemas.LLMClient, error)
	storeOpener   func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (store.ReportStore, error)
	brokerBuilder func(cfg config.EventsConfig, intake config.IntakeConfig, logger *zap.Logger) (events.Broker, error)
)

// concreteFactory is the production implementation of ComponentFactory.
type concreteFactory struct {
	newLLM    llmBuilder
	openStore storeOpener
	newBroker brokerBuilder
}

// NewComponentFactory creates a factory backed by the real providers, stores
// and brokers.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		newLLM:    InitializeLLMClient,
		openStore: store.Open,
		newBroker: InitializeBroker,
	}
}

// Create builds every component. On failure the ones already created are
// shut down before the error is returned.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger = logger.Named("service")
	c := &Components{Config: cfg, logger: logger}

	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			_ = c.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// 1. Telemetry
	tel, err := InitializeTelemetry(ctx, cfg.Telemetry(), logger)
	if err != nil {
		return nil, err
	}
	c.Metrics, c.MetricsHandler = tel.Metrics, tel.Handler
	c.shutdowns = append(c.shutdowns, tel.Shutdowns...)

	// 2. Pipeline stages
	c.Normalizer = lognorm.New(logger)
	c.Git = gitctx.NewProvider(cfg.Repository(), cfg.GitAnalysis(), logger, c.Metrics)

	if c.LLM, err = f.newLLM(ctx, cfg.LLM(), logger, c.Metrics); err != nil {
		return nil, err
	}
	c.Discovery = discovery.NewEngine(cfg.ContextDiscovery(), c.LLM, logger, c.Metrics)
	c.Orchestrator = diagnosis.NewOrchestrator(c.LLM, cfg.LLM(), logger)
	logger.Debug("Pipeline stages initialized.", zap.String("provider", string(cfg.LLM().Provider)))

	// 3. Report store
	if c.Reports, err = f.openStore(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to open report store: %w", err)
	}

	// 4. Events
	if c.Broker, err = f.newBroker(cfg.Events(), cfg.Intake(), logger); err != nil {
		return nil, err
	}
	c.Publisher = NewPublisher(c.Broker, cfg.Events(), logger)

	// 5. Worker pool
	deps := engine.Dependencies{
		Normalizer:     c.Normalizer,
		Git:            c.Git,
		Source:         c.Git,
		SourceAt:       c.snapshotSource,
		Discovery:      c.Discovery,
		Diagnoser:      c.Orchestrator,
		Reports:        c.Reports,
		EventsTopic:    cfg.Events().CompletedTopic,
		PublishTimeout: cfg.Events().PublishTimeout,
		Metrics:        c.Metrics,
		LoggerCfg:      cfg.Logger(),
	}
	if c.Publisher != nil {
		deps.Events = c.Publisher
	}
	if c.Pool, err = engine.NewPool(cfg.Server(), deps, logger); err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	logger.Info("Diagnosis pipeline initialized.",
		zap.Int("workers", cfg.Server().DiagnosisWorkerCount),
		zap.Int("queue_capacity", cfg.Server().QueueCapacity),
		zap.String("reports", cfg.Reports().Backend),
		zap.Bool("events", c.Publisher != nil))
	return c, nil
}
