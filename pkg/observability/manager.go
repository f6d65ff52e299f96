// Package observability wires OpenTelemetry tracing and Prometheus metrics
// for the service.
//
// A Manager initializes both from config and installs them globally.
// Instrumented code reaches the recorder through GetGlobalMetrics, which
// defaults to a noop, so packages record metrics unconditionally and the
// config decides whether anything is measured.
package observability

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and the metrics recorder for the
// process. Initialize installs both globally; Shutdown flushes the tracer.
type Manager struct {
	tracerProvider trace.TracerProvider
	metrics        *PrometheusMetrics
	spanBuffer     *SpanBuffer
	config         Config
	mu             sync.RWMutex
}

// NewManager creates a Manager from cfg. Call Initialize before use.
func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{
		config: cfg,
	}
}

// Initialize sets up tracing and metrics and installs them globally.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, buffer, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp
	m.spanBuffer = buffer

	metrics, err := InitMetrics(m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	SetGlobalMetrics(m.metrics)

	return nil
}

// Tracer returns a tracer from the manager's provider, or a noop tracer
// before Initialize.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the metrics recorder, or a noop before Initialize.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.metrics == nil {
		return NoopMetrics{}
	}
	return m.metrics
}

// MetricsEnabled reports whether the metrics endpoint should be mounted.
func (m *Manager) MetricsEnabled() bool {
	return m.config.Metrics.Enabled
}

// MetricsEndpoint returns the path the metrics handler is mounted on.
func (m *Manager) MetricsEndpoint() string {
	return m.config.Metrics.Endpoint
}

// MetricsHandler returns the Prometheus exposition handler.
func (m *Manager) MetricsHandler() http.Handler {
	return m.Metrics().Handler()
}

// SpanBuffer returns the in-memory span buffer, or nil when the debug
// buffer is disabled.
func (m *Manager) SpanBuffer() *SpanBuffer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spanBuffer
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}
