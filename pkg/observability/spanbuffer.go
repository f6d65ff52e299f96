package observability

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultSpanBufferSize = 1000

// SpanBuffer is a SpanExporter that retains recent spans in memory. The
// server exposes its contents on /debug/traces so a developer can inspect
// pipeline timing without standing up a collector.
//
// Only nestor spans are captured; HTTP and third-party spans pass through.
// When full, the oldest spans are dropped first.
type SpanBuffer struct {
	mu      sync.RWMutex
	spans   []*SpanSnapshot
	maxSize int
}

// SpanSnapshot is the retained view of a finished span.
type SpanSnapshot struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"start_time_unix_nano"`
	EndTime      int64             `json:"end_time_unix_nano"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

// NewSpanBuffer creates a buffer retaining at most maxSize spans.
func NewSpanBuffer(maxSize int) *SpanBuffer {
	if maxSize <= 0 {
		maxSize = defaultSpanBufferSize
	}
	return &SpanBuffer{maxSize: maxSize}
}

// ExportSpans implements sdktrace.SpanExporter.
func (b *SpanBuffer) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, span := range spans {
		if !capturedSpan(span.Name()) {
			continue
		}

		b.spans = append(b.spans, snapshotSpan(span))
	}

	if excess := len(b.spans) - b.maxSize; excess > 0 {
		b.spans = append(b.spans[:0:0], b.spans[excess:]...)
	}

	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (b *SpanBuffer) Shutdown(ctx context.Context) error {
	b.Clear()
	return nil
}

func capturedSpan(name string) bool {
	switch name {
	case SpanSearch, SpanPipelineStage, SpanLLMRequest, SpanEmbedding, SpanVectorSearch, SpanReasoning:
		return true
	default:
		return false
	}
}

func snapshotSpan(span sdktrace.ReadOnlySpan) *SpanSnapshot {
	startTime := span.StartTime().UnixNano()
	endTime := span.EndTime().UnixNano()

	ss := &SpanSnapshot{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		StartTime:  startTime,
		EndTime:    endTime,
		DurationMs: float64(endTime-startTime) / 1e6,
		Attributes: make(map[string]string),
		Status:     span.Status().Code.String(),
		StatusMsg:  span.Status().Description,
	}

	if span.Parent().HasSpanID() {
		ss.ParentSpanID = span.Parent().SpanID().String()
	}

	for _, attr := range span.Attributes() {
		ss.Attributes[string(attr.Key)] = attr.Value.Emit()
	}

	return ss
}

// Recent returns the retained spans, newest last.
func (b *SpanBuffer) Recent() []*SpanSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*SpanSnapshot, len(b.spans))
	copy(out, b.spans)
	return out
}

// ByTrace returns the retained spans belonging to one trace.
func (b *SpanBuffer) ByTrace(traceID string) []*SpanSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*SpanSnapshot
	for _, span := range b.spans {
		if span.TraceID == traceID {
			out = append(out, span)
		}
	}
	return out
}

// Clear drops all retained spans.
func (b *SpanBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spans = nil
}

// Count returns how many spans are retained.
func (b *SpanBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.spans)
}

var _ sdktrace.SpanExporter = (*SpanBuffer)(nil)
