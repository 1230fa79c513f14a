package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a global meter provider backed by a Prometheus exporter.
// It returns the handler for /metrics and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), provider.Shutdown, nil
}

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter               metric.Meter
	jobsSubmitted       metric.Int64Counter
	jobsRejected        metric.Int64Counter
	jobsCompleted       metric.Int64Counter
	jobDuration         metric.Float64Histogram
	llmAttempts         metric.Int64Counter
	discoveryConfidence metric.Float64Histogram
	gitSyncs            metric.Int64Counter
}

// NewMetrics creates the instruments on meter. Pass otel.Meter("logdiag")
// to use whatever global provider is installed.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.jobsSubmitted, err = meter.Int64Counter("logdiag_jobs_submitted",
		metric.WithDescription("Diagnosis jobs accepted into the queue.")); err != nil {
		return nil, err
	}
	if m.jobsRejected, err = meter.Int64Counter("logdiag_jobs_rejected",
		metric.WithDescription("Diagnosis jobs rejected because the queue was full.")); err != nil {
		return nil, err
	}
	if m.jobsCompleted, err = meter.Int64Counter("logdiag_jobs_completed",
		metric.WithDescription("Diagnosis jobs that reached a terminal state.")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("logdiag_job_duration",
		metric.WithDescription("Time from job start to terminal state."), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.llmAttempts, err = meter.Int64Counter("logdiag_llm_attempts",
		metric.WithDescription("Provider call attempts by outcome.")); err != nil {
		return nil, err
	}
	if m.discoveryConfidence, err = meter.Float64Histogram("logdiag_discovery_confidence",
		metric.WithDescription("Final aggregate confidence of context discovery.")); err != nil {
		return nil, err
	}
	if m.gitSyncs, err = meter.Int64Counter("logdiag_git_syncs",
		metric.WithDescription("Repository sync attempts by outcome.")); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterQueueDepth reports depth() as an observable gauge.
func (m *Metrics) RegisterQueueDepth(depth func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("logdiag_queue_depth",
		metric.WithDescription("Jobs waiting for a worker."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}))
	return err
}

func (m *Metrics) JobSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsSubmitted.Add(ctx, 1)
}

func (m *Metrics) JobRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsRejected.Add(ctx, 1)
}

// JobCompleted records a terminal job. errorKind is empty on success.
func (m *Metrics) JobCompleted(ctx context.Context, status, errorKind string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status), attribute.String("error_kind", errorKind))
	m.jobsCompleted.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) LLMAttempt(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.llmAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", outcome)))
}

func (m *Metrics) DiscoveryConfidence(ctx context.Context, confidence float64, stopReason string) {
	if m == nil {
		return
	}
	m.discoveryConfidence.Record(ctx, confidence, metric.WithAttributes(attribute.String("stop_reason", stopReason)))
}

func (m *Metrics) GitSync(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.gitSyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
