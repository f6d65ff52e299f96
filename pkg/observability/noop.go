package observability

import (
	"context"
	"net/http"
	"time"
)

// NoopMetrics is a Metrics implementation that does nothing. It is the
// global default until a real recorder is installed.
type NoopMetrics struct{}

func (NoopMetrics) RecordSearch(context.Context, time.Duration, error)                    {}
func (NoopMetrics) RecordStage(context.Context, string, time.Duration, error)             {}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, int, error) {}
func (NoopMetrics) RecordVectorSearch(context.Context, string, time.Duration, int, error) {}
func (NoopMetrics) RecordSessionCreated(context.Context)                                  {}
func (NoopMetrics) RecordSessionMessage(context.Context, string)                          {}
func (NoopMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration) {}

// Handler answers 503 so scrapes fail loudly instead of reporting an empty
// registry as healthy.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
