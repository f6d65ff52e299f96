package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreNilSafe(t *testing.T) {
	ctx := context.Background()

	metrics, err := InitMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	metrics.RecordSearch(ctx, 100*time.Millisecond, nil)
	metrics.RecordStage(ctx, "retrieval", 50*time.Millisecond, nil)
	metrics.RecordLLMCall(ctx, "gpt-4o", 500*time.Millisecond, 100, 50, nil)
	metrics.RecordVectorSearch(ctx, "main", 20*time.Millisecond, 10, nil)
	metrics.RecordSessionCreated(ctx)
	metrics.RecordSessionMessage(ctx, "user")
	metrics.RecordHTTPRequest(ctx, "POST", "/api/search", 200, 75*time.Millisecond)
}

func TestEnabledMetricsRecording(t *testing.T) {
	ctx := context.Background()

	metrics, err := InitMetrics(MetricsConfig{Enabled: true, Endpoint: "/metrics"})
	require.NoError(t, err)

	metrics.RecordLLMCall(ctx, "gpt-4o", 500*time.Millisecond, 100, 50, nil)
	metrics.RecordLLMCall(ctx, "claude-sonnet", 600*time.Millisecond, 150, 75, assert.AnError)
	metrics.RecordVectorSearch(ctx, "main", 20*time.Millisecond, 10, nil)
	metrics.RecordStage(ctx, "generation", 2*time.Second, nil)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "nestor_llm_tokens_input_total")
	assert.Contains(t, body, "nestor_llm_errors_total")
	assert.Contains(t, body, "nestor_vector_search_duration_seconds")
}

func TestNoopHandlerAnswers503(t *testing.T) {
	rec := httptest.NewRecorder()
	NoopMetrics{}.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGlobalMetricsDefaultsToNoop(t *testing.T) {
	ctx := context.Background()

	m := GetGlobalMetrics()
	require.NotNil(t, m)
	m.RecordLLMCall(ctx, "test-model", 300*time.Millisecond, 10, 5, nil)

	SetGlobalMetrics(NoopMetrics{})
	require.NotNil(t, GetGlobalMetrics())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, "nestor", cfg.Tracing.ServiceName)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{
		Tracing: TracingConfig{Enabled: true, Exporter: "jaeger"},
	}
	cfg.SetDefaults()

	// SetDefaults leaves an explicit exporter alone.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid exporter")

	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 1.5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampling_rate")
}

func TestManagerBeforeInitialize(t *testing.T) {
	mgr := NewManager(Config{})

	tracer := mgr.Tracer("test")
	_, span := tracer.Start(context.Background(), "test_span")
	span.End()

	require.NotNil(t, mgr.Metrics())
	assert.Nil(t, mgr.SpanBuffer())
	assert.False(t, mgr.MetricsEnabled())
}

func TestManagerInitializeDisabled(t *testing.T) {
	mgr := NewManager(Config{})
	require.NoError(t, mgr.Initialize(context.Background()))
	defer func() { SetGlobalMetrics(NoopMetrics{}) }()

	require.NotNil(t, mgr.Metrics())
	require.NoError(t, mgr.Shutdown(context.Background()))
}

func TestSpanBufferEviction(t *testing.T) {
	buf := NewSpanBuffer(2)

	// ExportSpans only sees finished sdk spans; exercise the retention
	// logic directly.
	buf.spans = append(buf.spans,
		&SpanSnapshot{SpanID: "a", TraceID: "t1", Name: SpanLLMRequest},
		&SpanSnapshot{SpanID: "b", TraceID: "t1", Name: SpanVectorSearch},
		&SpanSnapshot{SpanID: "c", TraceID: "t2", Name: SpanPipelineStage},
	)
	if excess := len(buf.spans) - buf.maxSize; excess > 0 {
		buf.spans = append(buf.spans[:0:0], buf.spans[excess:]...)
	}

	require.Equal(t, 2, buf.Count())
	recent := buf.Recent()
	assert.Equal(t, "b", recent[0].SpanID)
	assert.Equal(t, "c", recent[1].SpanID)

	assert.Len(t, buf.ByTrace("t1"), 1)
	assert.Len(t, buf.ByTrace("t2"), 1)

	buf.Clear()
	assert.Zero(t, buf.Count())
}

func TestCapturedSpanFilter(t *testing.T) {
	assert.True(t, capturedSpan(SpanSearch))
	assert.True(t, capturedSpan(SpanLLMRequest))
	assert.True(t, capturedSpan(SpanVectorSearch))
	assert.False(t, capturedSpan(SpanHTTPRequest))
	assert.False(t, capturedSpan("third.party"))
}

func TestMiddlewareRecordsStatusAndSize(t *testing.T) {
	var recorded struct {
		method string
		path   string
		status int
	}

	metrics := recordingMetrics{onHTTP: func(method, path string, status int) {
		recorded.method = method
		recorded.path = path
		recorded.status = status
	}}

	handler := HTTPMiddleware(nil, metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "GET", recorded.method)
	assert.Equal(t, "/api/search", recorded.path)
	assert.Equal(t, http.StatusTeapot, recorded.status)
}

// recordingMetrics captures RecordHTTPRequest calls and ignores the rest.
type recordingMetrics struct {
	NoopMetrics
	onHTTP func(method, path string, status int)
}

func (m recordingMetrics) RecordHTTPRequest(_ context.Context, method, path string, statusCode int, _ time.Duration) {
	if m.onHTTP != nil {
		m.onHTTP(method, path, statusCode)
	}
}
