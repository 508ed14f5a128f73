package observe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver records each event as a short OpenTelemetry span.
//
// Span names are "eventpipe." plus the event kind. Standard attributes:
//   - eventpipe.batch_id
//   - eventpipe.batch_size
//   - eventpipe.attempt
//   - http.response.status_code (when a status was received)
//   - eventpipe.reason, eventpipe.delay_ms (when set)
//
// Drops, evictions and worker faults set the span status to Error so they
// stand out in trace backends. Meta entries become attributes under their own
// key.
//
// Example usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	obs := observe.NewOTelObserver(tp.Tracer("eventpipe"))
//	em, _ := pipeline.New(cfg, pipeline.WithObserver(obs))
type OTelObserver struct {
	tracer trace.Tracer
}

// NewOTelObserver creates an observer that records spans with tracer.
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	return &OTelObserver{tracer: tracer}
}

// Observe implements Observer.
func (o *OTelObserver) Observe(event Event) {
	opts := []trace.SpanStartOption{}
	if !event.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(event.Time))
	}
	_, span := o.tracer.Start(context.Background(), "eventpipe."+string(event.Kind), opts...)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if event.Failure() {
		msg := event.Reason
		if msg == "" {
			msg = string(event.Kind)
		}
		span.SetStatus(codes.Error, msg)
		if errText, ok := event.Meta["error"].(string); ok {
			span.RecordError(fmt.Errorf("%s", errText))
		}
	}
}

// Flush forces the global tracer provider to export buffered spans, if it
// supports ForceFlush.
func (o *OTelObserver) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelObserver) addStandardAttributes(span trace.Span, event Event) {
	if event.BatchID != "" {
		span.SetAttributes(attribute.String("eventpipe.batch_id", event.BatchID))
	}
	span.SetAttributes(
		attribute.Int("eventpipe.batch_size", event.Size),
		attribute.Int("eventpipe.attempt", event.Attempt),
	)
	if event.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", event.StatusCode))
	}
	if event.Reason != "" {
		span.SetAttributes(attribute.String("eventpipe.reason", event.Reason))
	}
	if event.Delay > 0 {
		span.SetAttributes(attribute.Int64("eventpipe.delay_ms", event.Delay.Milliseconds()))
	}
}

func (o *OTelObserver) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case []string:
			span.SetAttributes(attribute.StringSlice(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(key, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}
