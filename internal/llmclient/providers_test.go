package llmclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIClient_Success(t *testing.T) {
	var captured chatRequest
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"x\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	})

	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL + "/"
	client, err := NewOpenAIClient(cfg, "gpt-test", zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"title":"x"}`, out)

	assert.Equal(t, "gpt-test", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "User query.", captured.Messages[1].Content)
	assert.Equal(t, 512, captured.MaxTokens, "falls back to llm.max_tokens")
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"slow down"}`)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"done"}}]}`)
	})

	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL
	client, err := NewOpenAIClient(cfg, cfg.Model, nil, nil)
	require.NoError(t, err)
	rec := instantRetries(client.retrier)

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, rec.recorded(), 1)
}

func TestOpenAIClient_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, "status 401"},
		{"undecodable", http.StatusOK, `not json`, "failed to decode response payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			cfg := getValidLLMConfig()
			cfg.Endpoint = server.URL
			client, err := NewOpenAIClient(cfg, cfg.Model, nil, nil)
			require.NoError(t, err)
			instantRetries(client.retrier)

			_, err = client.Generate(context.Background(), createTestRequest())
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, int32(1), calls.Load())
			assert.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestOpenAIClient_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL
	cfg.RetryCount = 2
	client, err := NewOpenAIClient(cfg, cfg.Model, nil, nil)
	require.NoError(t, err)
	instantRetries(client.retrier)

	_, err = client.Generate(context.Background(), createTestRequest())
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
}

func TestOpenAIClient_LogsInteractions(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"`+strings.Repeat("r", 50)+`"}}]}`)
	})
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL
	client, err := NewOpenAIClient(cfg, cfg.Model, nil, nil)
	require.NoError(t, err)

	logger, logs := setupTestLogger(t)
	il := observability.NewInteractionLogger(logger, config.LoggerConfig{LLMInteractions: config.LLMInteractionConfig{
		LogRequests: true, LogResponses: true, TruncateLarge: true, MaxPromptLogLength: 100, MaxResponseLogLength: 10,
	}}, "diag-1")
	ctx := observability.WithInteractionLogger(context.Background(), il)

	_, err = client.Generate(ctx, createTestRequest())
	require.NoError(t, err)

	require.Equal(t, 1, logs.FilterMessage("LLM request").Len())
	resp := logs.FilterMessage("LLM response").All()
	require.Len(t, resp, 1)
	fields := resp[0].ContextMap()
	assert.Equal(t, "diag-1", fields["diagnosis_id"])
	assert.Contains(t, fields["response"], "[truncated 40 chars]")
}

func TestNewClients_RequireKeys(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	_, err := NewOpenAIClient(cfg, "m", nil, nil)
	assert.ErrorContains(t, err, "OpenAI API Key is required")
	_, err = NewAnthropicClient(cfg, "m", nil, nil)
	assert.ErrorContains(t, err, "Anthropic API Key is required")
	_, err = NewGeminiClient(context.Background(), cfg, "m", nil, nil)
	assert.ErrorContains(t, err, "Gemini API Key is required")
	_, err = NewObservedClient(cfg, "m", nil, nil)
	assert.ErrorContains(t, err, "public and a secret key")

	cfg.PublicKey, cfg.SecretKey = "pub", "sec"
	_, err = NewObservedClient(cfg, "m", nil, nil)
	assert.ErrorContains(t, err, "requires an endpoint")
}

func TestAnthropicClient(t *testing.T) {
	var captured anthropicRequest
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"{\"a\":"},{"type":"tool_use"},{"type":"text","text":"1}"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	})

	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderAnthropic
	cfg.Endpoint = server.URL
	client, err := NewAnthropicClient(cfg, "claude-test", nil, nil)
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
	assert.Equal(t, "claude-test", captured.Model)
	assert.Equal(t, "System prompt instructions.", captured.System)
	assert.Equal(t, 512, captured.MaxTokens)
	require.Len(t, captured.Messages, 1)
	assert.Contains(t, captured.Messages[0].Content, "single JSON object")
}

func TestAnthropicClient_EmptyContent(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"content":[],"stop_reason":"max_tokens"}`)
	})
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL
	cfg.RetryCount = 0
	client, err := NewAnthropicClient(cfg, "m", nil, nil)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), createTestRequest())
	assert.ErrorContains(t, err, "no text content")
}

func TestGeminiClient(t *testing.T) {
	var hits atomic.Int32
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Contains(t, r.URL.Path, "gemini-test")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"ok\":true}"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`)
	})

	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderGemini
	cfg.Endpoint = server.URL
	client, err := NewGeminiClient(context.Background(), cfg, "gemini-test", nil, nil)
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, int32(1), hits.Load())

	gc := client.buildConfig(createTestRequest())
	assert.Equal(t, "application/json", gc.ResponseMIMEType)
	assert.Equal(t, int32(512), gc.MaxOutputTokens)
	require.NotNil(t, gc.SystemInstruction)
}

func TestObservedClient_TracesCalls(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sec:pub", r.Header.Get("Authorization"))
		if r.Header.Get("X-Fail") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`)
	})

	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderObserved
	cfg.Endpoint = server.URL
	cfg.PublicKey, cfg.SecretKey = "pub", "sec"
	client, err := NewObservedClient(cfg, "proxy-model", nil, nil)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	client.tracer = tp.Tracer("test")

	req := createTestRequest()
	req.JobID = "job-9"
	out, err := client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "llm.generate", spans[0].Name())
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "proxy-model", attrs["gen_ai.request.model"].AsString())
	assert.Equal(t, "job-9", attrs["logdiag.job_id"].AsString())
	assert.Equal(t, int64(7), attrs["gen_ai.usage.input_tokens"].AsInt64())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestObservedClient_RecordsFailure(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL
	cfg.PublicKey, cfg.SecretKey = "pub", "sec"
	client, err := NewObservedClient(cfg, "m", nil, nil)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	client.tracer = tp.Tracer("test")

	_, err = client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events(), "error should be recorded as a span event")
}
