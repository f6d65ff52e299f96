package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-backed metric instruments. When metrics
// are disabled it returns a zero-value recorder whose methods are no-ops.
func InitMetrics(cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("nestor")

	m := &PrometheusMetrics{registry: registry}

	m.searchDuration, err = meter.Float64Histogram(
		"nestor_search_duration_seconds",
		metric.WithDescription("End-to-end search request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	m.searchesTotal, err = meter.Int64Counter(
		"nestor_searches_total",
		metric.WithDescription("Total search requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create searches counter: %w", err)
	}

	m.searchErrors, err = meter.Int64Counter(
		"nestor_search_errors_total",
		metric.WithDescription("Total failed search requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search errors counter: %w", err)
	}

	m.stageDuration, err = meter.Float64Histogram(
		"nestor_pipeline_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	m.stageErrors, err = meter.Int64Counter(
		"nestor_pipeline_stage_errors_total",
		metric.WithDescription("Total pipeline stage errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage errors counter: %w", err)
	}

	m.llmDuration, err = meter.Float64Histogram(
		"nestor_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	m.llmInputTokens, err = meter.Int64Counter(
		"nestor_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLMs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	m.llmOutputTokens, err = meter.Int64Counter(
		"nestor_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLMs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	m.llmErrors, err = meter.Int64Counter(
		"nestor_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	m.vectorDuration, err = meter.Float64Histogram(
		"nestor_vector_search_duration_seconds",
		metric.WithDescription("Vector store search duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector duration histogram: %w", err)
	}

	m.vectorResults, err = meter.Int64Counter(
		"nestor_vector_search_results_total",
		metric.WithDescription("Total hits returned by vector searches"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector results counter: %w", err)
	}

	m.vectorErrors, err = meter.Int64Counter(
		"nestor_vector_search_errors_total",
		metric.WithDescription("Total vector store errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector errors counter: %w", err)
	}

	m.sessionsCreated, err = meter.Int64Counter(
		"nestor_sessions_created_total",
		metric.WithDescription("Total conversation sessions created"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}

	m.sessionMessages, err = meter.Int64Counter(
		"nestor_session_messages_total",
		metric.WithDescription("Total messages appended to sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session messages counter: %w", err)
	}

	m.httpDuration, err = meter.Float64Histogram(
		"nestor_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	m.httpRequests, err = meter.Int64Counter(
		"nestor_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return m, nil
}
