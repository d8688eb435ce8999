package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes finished spans as JSON lines, for development.
type ConsoleExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewConsoleExporter(w io.Writer) *ConsoleExporter {
	return &ConsoleExporter{enc: json.NewEncoder(w)}
}

func (ce *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	for _, span := range spans {
		spanData := map[string]interface{}{
			"trace_id":    span.SpanContext().TraceID().String(),
			"span_id":     span.SpanContext().SpanID().String(),
			"parent_id":   span.Parent().SpanID().String(),
			"name":        span.Name(),
			"start_time":  span.StartTime(),
			"duration_ms": span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status":      span.Status().Code.String(),
			"attributes":  attributesToMap(span.Attributes()),
			"events":      eventsToMaps(span.Events()),
		}

		if err := ce.enc.Encode(spanData); err != nil {
			return fmt.Errorf("failed to encode span data: %w", err)
		}
	}
	return nil
}

func (ce *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]interface{} {
	result := make(map[string]interface{})
	for _, attr := range attrs {
		result[string(attr.Key)] = attr.Value.AsInterface()
	}
	return result
}

func eventsToMaps(events []trace.Event) []map[string]interface{} {
	result := make([]map[string]interface{}, len(events))
	for i, event := range events {
		result[i] = map[string]interface{}{
			"name":       event.Name,
			"time":       event.Time,
			"attributes": attributesToMap(event.Attributes),
		}
	}
	return result
}
