package observe

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBufferedObserver(t *testing.T) {
	t.Run("records in order", func(t *testing.T) {
		b := NewBufferedObserver()
		b.Observe(Event{Kind: KindBatchSent, BatchID: "a", Size: 2})
		b.Observe(Event{Kind: KindBatchDelivered, BatchID: "a", Size: 2})

		h := b.History()
		if len(h) != 2 {
			t.Fatalf("expected 2 events, got %d", len(h))
		}
		if h[0].Kind != KindBatchSent || h[1].Kind != KindBatchDelivered {
			t.Errorf("unexpected order: %v, %v", h[0].Kind, h[1].Kind)
		}
	})

	t.Run("history is a copy", func(t *testing.T) {
		b := NewBufferedObserver()
		b.Observe(Event{Kind: KindBatchSent})
		h := b.History()
		h[0].Kind = KindWorkerFault

		if b.History()[0].Kind != KindBatchSent {
			t.Error("History() exposed internal storage")
		}
	})

	t.Run("filter", func(t *testing.T) {
		b := NewBufferedObserver()
		b.Observe(Event{Kind: KindBatchDropped, BatchID: "a", Reason: ReasonNonRetryable, Size: 3})
		b.Observe(Event{Kind: KindBatchDropped, BatchID: "b", Reason: ReasonRetriesExhausted, Size: 4})
		b.Observe(Event{Kind: KindBatchDelivered, BatchID: "c", Size: 5})

		tests := []struct {
			name   string
			filter Filter
			want   int
		}{
			{"empty filter", Filter{}, 3},
			{"by kind", Filter{Kind: KindBatchDropped}, 2},
			{"by batch", Filter{BatchID: "c"}, 1},
			{"by reason", Filter{Reason: ReasonRetriesExhausted}, 1},
			{"no match", Filter{Kind: KindWorkerFault}, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := b.HistoryWithFilter(tt.filter)
				if got == nil {
					t.Fatal("HistoryWithFilter returned nil")
				}
				if len(got) != tt.want {
					t.Errorf("len = %d, want %d", len(got), tt.want)
				}
			})
		}

		if b.Count(KindBatchDropped) != 2 {
			t.Errorf("Count() = %d, want 2", b.Count(KindBatchDropped))
		}
		if b.Sum(KindBatchDropped) != 7 {
			t.Errorf("Sum() = %d, want 7", b.Sum(KindBatchDropped))
		}
	})

	t.Run("clear", func(t *testing.T) {
		b := NewBufferedObserver()
		b.Observe(Event{Kind: KindBatchSent})
		b.Clear()
		if len(b.History()) != 0 {
			t.Error("Clear() left events behind")
		}
	})

	t.Run("concurrent observe", func(t *testing.T) {
		b := NewBufferedObserver()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					b.Observe(Event{Kind: KindBatchSent})
				}
			}()
		}
		wg.Wait()
		if n := b.Count(KindBatchSent); n != 1000 {
			t.Errorf("Count() = %d, want 1000", n)
		}
	})
}

func TestMultiAndFunc(t *testing.T) {
	a, b := NewBufferedObserver(), NewBufferedObserver()
	var seen []Kind
	m := Multi{a, nil, NewNullObserver(), b, Func(func(e Event) { seen = append(seen, e.Kind) })}

	m.Observe(Event{Kind: KindFlushResolved})

	if a.Count(KindFlushResolved) != 1 || b.Count(KindFlushResolved) != 1 {
		t.Error("Multi did not fan out to every observer")
	}
	if len(seen) != 1 || seen[0] != KindFlushResolved {
		t.Errorf("Func saw %v", seen)
	}
}

func TestNullObserver(t *testing.T) {
	observers := []Observer{NewNullObserver(), &NullObserver{}}
	for _, o := range observers {
		o.Observe(Event{Kind: KindBatchDropped, Size: 3})
	}
}

func TestEvent_Failure(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindBatchSent, false},
		{KindBatchDelivered, false},
		{KindBatchRetry, false},
		{KindBatchDropped, true},
		{KindPayloadEvicted, true},
		{KindWorkerFault, true},
		{KindWorkerStopped, false},
	}
	for _, tt := range tests {
		if got := (Event{Kind: tt.kind}).Failure(); got != tt.want {
			t.Errorf("%s: Failure() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestLogObserver(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	obs := NewLogObserver(zap.New(core))

	obs.Observe(Event{Kind: KindBatchSent, BatchID: "b1", Size: 10})
	obs.Observe(Event{Kind: KindBatchRetry, BatchID: "b1", Size: 10, Attempt: 1, StatusCode: 503, Delay: 200 * time.Millisecond})
	obs.Observe(Event{
		Kind:       KindBatchDropped,
		BatchID:    "b1",
		Size:       10,
		Attempt:    3,
		StatusCode: 503,
		Reason:     ReasonRetriesExhausted,
		Meta:       map[string]interface{}{"event_ids": []string{"e1"}},
	})
	obs.Observe(Event{Kind: KindFlushResolved})

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.InfoLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d (%s) level = %v, want %v", i, e.Message, e.Level, wantLevels[i])
		}
	}

	dropped := entries[2].ContextMap()
	if entries[2].Message != "batch_dropped" {
		t.Errorf("message = %q, want batch_dropped", entries[2].Message)
	}
	if dropped["batch_id"] != "b1" {
		t.Errorf("batch_id = %v", dropped["batch_id"])
	}
	if dropped["reason"] != ReasonRetriesExhausted {
		t.Errorf("reason = %v", dropped["reason"])
	}
	if dropped["status"] != int64(503) {
		t.Errorf("status = %v (%T)", dropped["status"], dropped["status"])
	}
	if dropped["attempt"] != int64(3) {
		t.Errorf("attempt = %v", dropped["attempt"])
	}

	retry := entries[1].ContextMap()
	if _, ok := retry["delay"]; !ok {
		t.Error("retry entry missing delay")
	}
	if _, ok := entries[3].ContextMap()["attempt"]; ok {
		t.Error("flush entry should not carry attempt")
	}
}

func TestLogObserver_LevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	obs := NewLogObserver(zap.New(core))

	obs.Observe(Event{Kind: KindBatchSent})
	obs.Observe(Event{Kind: KindBatchDelivered})
	obs.Observe(Event{Kind: KindWorkerFault, Reason: "panic"})

	if logs.Len() != 1 {
		t.Errorf("expected only the fault entry, got %d entries", logs.Len())
	}
}

func TestLogObserver_NilLogger(t *testing.T) {
	NewLogObserver(nil).Observe(Event{Kind: KindBatchDropped})
}

func TestOTelObserver(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	obs := NewOTelObserver(tp.Tracer("test"))

	t.Run("delivered", func(t *testing.T) {
		exporter.Reset()
		obs.Observe(Event{
			Kind:       KindBatchDelivered,
			BatchID:    "b1",
			Size:       7,
			Attempt:    2,
			StatusCode: 200,
			Meta:       map[string]interface{}{"duration_ms": int64(12)},
		})

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Name != "eventpipe.batch_delivered" {
			t.Errorf("span name = %q", span.Name)
		}
		attrs := attributeMap(span.Attributes)
		if attrs["eventpipe.batch_id"] != "b1" {
			t.Errorf("batch_id = %v", attrs["eventpipe.batch_id"])
		}
		if attrs["eventpipe.batch_size"] != int64(7) {
			t.Errorf("batch_size = %v", attrs["eventpipe.batch_size"])
		}
		if attrs["eventpipe.attempt"] != int64(2) {
			t.Errorf("attempt = %v", attrs["eventpipe.attempt"])
		}
		if attrs["http.response.status_code"] != int64(200) {
			t.Errorf("status = %v", attrs["http.response.status_code"])
		}
		if attrs["duration_ms"] != int64(12) {
			t.Errorf("duration_ms = %v", attrs["duration_ms"])
		}
		if span.Status.Code == codes.Error {
			t.Error("delivered span should not be an error")
		}
	})

	t.Run("dropped sets error status", func(t *testing.T) {
		exporter.Reset()
		obs.Observe(Event{
			Kind:    KindBatchDropped,
			BatchID: "b2",
			Reason:  ReasonNonRetryable,
			Meta:    map[string]interface{}{"error": "status 404", "event_ids": []string{"e1", "e2"}},
		})

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Status.Code != codes.Error {
			t.Errorf("status code = %v, want Error", span.Status.Code)
		}
		if span.Status.Description != ReasonNonRetryable {
			t.Errorf("status description = %q", span.Status.Description)
		}
		if len(span.Events) == 0 {
			t.Error("expected a recorded error event")
		}
		ids, ok := attributeMap(span.Attributes)["event_ids"].([]string)
		if !ok || len(ids) != 2 {
			t.Errorf("event_ids = %v", attributeMap(span.Attributes)["event_ids"])
		}
	})

	t.Run("retry delay", func(t *testing.T) {
		exporter.Reset()
		obs.Observe(Event{Kind: KindBatchRetry, Delay: 1500 * time.Millisecond, Time: time.Now()})

		attrs := attributeMap(exporter.GetSpans()[0].Attributes)
		if attrs["eventpipe.delay_ms"] != int64(1500) {
			t.Errorf("delay_ms = %v", attrs["eventpipe.delay_ms"])
		}
	})

	if err := obs.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
