package observability

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records what the service does. Implementations must be safe for
// concurrent use and tolerate being called on partially initialized state.
type Metrics interface {
	// RecordSearch records one end-to-end search request.
	RecordSearch(ctx context.Context, duration time.Duration, err error)

	// RecordStage records one pipeline stage execution.
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)

	// RecordLLMCall records one LLM request with its token usage.
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordVectorSearch records one vector store search.
	RecordVectorSearch(ctx context.Context, store string, duration time.Duration, results int, err error)

	// RecordSessionCreated records one new conversation session.
	RecordSessionCreated(ctx context.Context)

	// RecordSessionMessage records one message appended to a session.
	RecordSessionMessage(ctx context.Context, role string)

	// RecordHTTPRequest records one served HTTP request.
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration)

	// Handler serves the Prometheus exposition endpoint.
	Handler() http.Handler
}

// PrometheusMetrics is the OTel-instrumented Metrics implementation. The
// zero value is a valid no-op recorder, which is what a disabled metrics
// config produces.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	searchDuration metric.Float64Histogram
	searchesTotal  metric.Int64Counter
	searchErrors   metric.Int64Counter

	stageDuration metric.Float64Histogram
	stageErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	vectorDuration metric.Float64Histogram
	vectorResults  metric.Int64Counter
	vectorErrors   metric.Int64Counter

	sessionsCreated metric.Int64Counter
	sessionMessages metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.searchDuration == nil {
		return
	}

	m.searchDuration.Record(ctx, duration.Seconds())
	m.searchesTotal.Add(ctx, 1)

	if err != nil {
		m.searchErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	if m == nil || m.stageDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage", stage),
	}

	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		m.stageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil {
		m.llmErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordVectorSearch(ctx context.Context, store string, duration time.Duration, results int, err error) {
	if m == nil || m.vectorDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
	}

	m.vectorDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if results > 0 {
		m.vectorResults.Add(ctx, int64(results), metric.WithAttributes(attrs...))
	}

	if err != nil {
		m.vectorErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordSessionCreated(ctx context.Context) {
	if m == nil || m.sessionsCreated == nil {
		return
	}

	m.sessionsCreated.Add(ctx, 1)
}

func (m *PrometheusMetrics) RecordSessionMessage(ctx context.Context, role string) {
	if m == nil || m.sessionMessages == nil {
		return
	}

	m.sessionMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(statusCode)),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Handler serves the registry this recorder writes to. A no-op recorder
// answers 503.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return NoopMetrics{}.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder. It is never nil; the
// default is a noop.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
