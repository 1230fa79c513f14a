package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/events"
	"github.com/xkilldash9x/logdiag/internal/mocks"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"github.com/xkilldash9x/logdiag/internal/store"
)

const diagnosisJSON = `{"title":"Database connection refused","error_type":"ConnectionError",
"summary":"The service could not reach Postgres.","root_cause":"The database host is down.",
"error_analysis":"Connection attempts were refused.","recommendations":["Check the database"],
"confidence_score":0.8,"relevant_code_files":[]}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.RepositoryCfg.URL = "https://example.com/acme/shop.git"
	cfg.RepositoryCfg.LocalPath = filepath.Join(t.TempDir(), "repo")
	cfg.ReportsCfg.Backend = config.ReportsSQLite
	cfg.ReportsCfg.SQLitePath = filepath.Join(t.TempDir(), "reports.db")
	cfg.ContextDiscoveryCfg.Enabled = false
	cfg.TelemetryCfg = config.TelemetryConfig{}
	cfg.EventsCfg.Enabled = true
	cfg.EventsCfg.CompletedTopic = "diagnosis.completed"
	cfg.ServerCfg.DiagnosisWorkerCount = 1
	return cfg
}

func testFactory(llm schemas.LLMClient, broker events.Broker) *concreteFactory {
	return &concreteFactory{
		newLLM: func(context.Context, config.LLMConfig, *zap.Logger, *observability.Metrics) (schemas.LLMClient, error) {
			return llm, nil
		},
		openStore: store.Open,
		newBroker: func(config.EventsConfig, config.IntakeConfig, *zap.Logger) (events.Broker, error) {
			return broker, nil
		},
	}
}

func TestCreate_RunsADiagnosisEndToEnd(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.AnythingOfType("schemas.GenerationRequest")).Return(diagnosisJSON, nil)
	llm.On("Close").Return(nil)
	broker := events.NewMemoryBroker()

	cfg := testConfig(t)
	c, err := testFactory(llm, broker).Create(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c.Publisher)

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	completed, err := broker.Subscribe(subCtx, cfg.EventsCfg.CompletedTopic, "test")
	require.NoError(t, err)

	c.Pool.Start()
	id, err := c.Pool.Submit(context.Background(), schemas.LogEntry{
		Content: "2024-05-01 10:00:00 ERROR psycopg2.OperationalError: connection refused",
		Source:  "orders",
	}, schemas.JobOptions{IncludeGitContext: false})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	job, err := c.Pool.Wait(waitCtx, id)
	require.NoError(t, err)
	require.Equal(t, schemas.JobSucceeded, job.Status, "job error: %+v", job.Error)
	assert.Equal(t, "Database connection refused", job.Result.Title)

	saved, err := c.Reports.Get(context.Background(), job.Result.ID)
	require.NoError(t, err)
	assert.Equal(t, id, saved.JobID)

	select {
	case msg := <-completed:
		ev, err := events.DecodeCompletionEvent(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, id, ev.JobID)
		assert.Equal(t, job.Result.ID, ev.ReportID)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event published")
	}

	require.NoError(t, c.Shutdown(context.Background()))
	llm.AssertCalled(t, "Close")
	_, err = c.Pool.Submit(context.Background(), schemas.LogEntry{Content: "ERROR again"}, schemas.JobOptions{})
	assert.Error(t, err)
}

func TestCreate_CleansUpOnFailure(t *testing.T) {
	t.Run("llm", func(t *testing.T) {
		f := testFactory(nil, nil)
		f.newLLM = func(context.Context, config.LLMConfig, *zap.Logger, *observability.Metrics) (schemas.LLMClient, error) {
			return nil, errors.New("no api key")
		}
		f.openStore = func(context.Context, config.Interface, *zap.Logger) (store.ReportStore, error) {
			t.Fatal("store opened after the LLM failed")
			return nil, nil
		}
		c, err := f.Create(context.Background(), testConfig(t), zap.NewNop())
		assert.Nil(t, c)
		assert.ErrorContains(t, err, "no api key")
	})

	t.Run("store", func(t *testing.T) {
		llm := new(mocks.MockLLMClient)
		llm.On("Close").Return(nil).Once()
		f := testFactory(llm, nil)
		f.openStore = func(context.Context, config.Interface, *zap.Logger) (store.ReportStore, error) {
			return nil, errors.New("disk full")
		}
		core, logs := observer.New(zap.WarnLevel)

		c, err := f.Create(context.Background(), testConfig(t), zap.New(core))
		assert.Nil(t, c)
		assert.ErrorContains(t, err, "failed to open report store")
		llm.AssertExpectations(t)
		assert.Equal(t, 1, logs.FilterMessage("Initialization failed, shutting down partially created components.").Len())
	})
}

func TestCreate_EventsDisabled(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Close").Return(nil)
	cfg := testConfig(t)
	cfg.EventsCfg.Enabled = false
	cfg.ReportsCfg.Backend = config.ReportsNone

	c, err := testFactory(llm, nil).Create(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, c.Publisher)
	assert.Nil(t, c.Broker)
	assert.IsType(t, store.Discard{}, c.Reports)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestInitializeBroker(t *testing.T) {
	b, err := InitializeBroker(config.EventsConfig{}, config.IntakeConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = InitializeBroker(config.EventsConfig{Enabled: true}, config.IntakeConfig{}, zap.NewNop())
	assert.ErrorContains(t, err, "events.brokers")

	_, err = InitializeBroker(config.EventsConfig{}, config.IntakeConfig{KafkaTopic: "logs"}, zap.NewNop())
	assert.ErrorContains(t, err, "events.brokers", "an intake topic needs brokers too")
}

func TestNewPublisher(t *testing.T) {
	broker := events.NewMemoryBroker()
	defer broker.Close()

	assert.Nil(t, NewPublisher(nil, config.EventsConfig{Enabled: true}, zap.NewNop()))
	assert.Nil(t, NewPublisher(broker, config.EventsConfig{Enabled: false}, zap.NewNop()))
	assert.IsType(t, &events.RetryingPublisher{}, NewPublisher(broker, config.EventsConfig{Enabled: true}, zap.NewNop()))
}

func TestInitializeTelemetry(t *testing.T) {
	tel, err := InitializeTelemetry(context.Background(), config.TelemetryConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, tel.Metrics)
	assert.Nil(t, tel.Handler)
	assert.Empty(t, tel.Shutdowns)

	core, logs := observer.New(zap.WarnLevel)
	tel, err = InitializeTelemetry(context.Background(), config.TelemetryConfig{MetricsEnabled: true, TracingEnabled: true}, zap.New(core))
	require.NoError(t, err)
	assert.NotNil(t, tel.Metrics)
	assert.NotNil(t, tel.Handler)
	assert.Len(t, tel.Shutdowns, 1)
	assert.Equal(t, 1, logs.FilterMessageSnippet("collector_addr").Len())
	for _, fn := range tel.Shutdowns {
		require.NoError(t, fn(context.Background()))
	}
}
