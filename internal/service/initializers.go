package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/events"
	"github.com/xkilldash9x/logdiag/internal/llmclient"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

const serviceName = "logdiag"

// Telemetry is what InitializeTelemetry set up. Metrics and Handler are nil
// when metrics are disabled.
type Telemetry struct {
	Metrics   *observability.Metrics
	Handler   http.Handler
	Shutdowns []func(context.Context) error
}

// InitializeTelemetry installs the metric and trace providers the
// configuration asks for.
func InitializeTelemetry(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) (*Telemetry, error) {
	t := &Telemetry{}
	if cfg.MetricsEnabled {
		handler, shutdown, err := observability.InitMetrics()
		if err != nil {
			return nil, err
		}
		metrics, err := observability.NewMetrics(otel.Meter(serviceName))
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric instruments: %w", err)
		}
		t.Metrics, t.Handler = metrics, handler
		t.Shutdowns = append(t.Shutdowns, shutdown)
		logger.Debug("Metrics initialized.")
	}
	if cfg.TracingEnabled {
		if cfg.CollectorAddr == "" {
			logger.Warn("Tracing enabled without telemetry.collector_addr; spans will not be exported.")
			return t, nil
		}
		shutdown, err := observability.InitTracing(ctx, serviceName, cfg.CollectorAddr)
		if err != nil {
			for _, fn := range t.Shutdowns {
				_ = fn(ctx)
			}
			return nil, err
		}
		t.Shutdowns = append(t.Shutdowns, shutdown)
		logger.Info("Tracing initialized.", zap.String("collector", cfg.CollectorAddr))
	}
	return t, nil
}

// InitializeLLMClient creates the tier router for the configured provider.
func InitializeLLMClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (schemas.LLMClient, error) {
	llmClient, err := llmclient.NewClient(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize LLM client. Diagnoses cannot run.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return llmClient, nil
}

// InitializeBroker connects to Kafka when completion events are enabled or
// an intake topic is configured. It returns nil otherwise.
func InitializeBroker(cfg config.EventsConfig, intake config.IntakeConfig, logger *zap.Logger) (events.Broker, error) {
	if !cfg.Enabled && intake.KafkaTopic == "" {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events.brokers is required when events are enabled")
	}
	broker, err := events.NewKafkaBroker(cfg.Brokers, intake.FromStart, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event brokers: %w", err)
	}
	logger.Info("Event broker connected.", zap.Strings("brokers", cfg.Brokers))
	return broker, nil
}

// publishRetryWindow bounds publish retries when events.publish_timeout is unset.
const publishRetryWindow = 10 * time.Second

// NewPublisher wraps broker with the publish retry policy. It returns nil
// when events are disabled.
func NewPublisher(broker events.Publisher, cfg config.EventsConfig, logger *zap.Logger) events.Publisher {
	if broker == nil || !cfg.Enabled {
		return nil
	}
	window := cfg.PublishTimeout
	if window <= 0 {
		window = publishRetryWindow
	}
	return events.NewRetryingPublisher(broker, window, logger)
}
