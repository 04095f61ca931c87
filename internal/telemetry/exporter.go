package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// LogExporter writes finished spans as structured log lines.
type LogExporter struct {
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter builds a LogExporter.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields := make([]zap.Field, 0, 6+len(span.Attributes()))
		fields = append(fields,
			zap.String("span", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()),
		)
		if parent := span.Parent(); parent.IsValid() {
			fields = append(fields, zap.String("parent_id", parent.SpanID().String()))
		}
		for _, kv := range span.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug("span finished", fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. Later exports are dropped.
func (e *LogExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}
