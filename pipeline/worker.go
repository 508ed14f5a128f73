package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/eventpipe/pipeline/journal"
	"github.com/dshills/eventpipe/pipeline/observe"
	"github.com/dshills/eventpipe/pipeline/payload"
	"github.com/dshills/eventpipe/pipeline/store"
	"github.com/dshills/eventpipe/pipeline/transport"
)

// Drop reasons produced by the worker itself, in addition to the policy's.
const (
	reasonStoreFull  = "store_full"
	reasonStoreFault = "store_fault"
)

const (
	// maxStoreFaults is how many consecutive store failures the worker
	// tolerates before giving up.
	maxStoreFaults = 3

	journalTimeout = 5 * time.Second
)

// counters are shared between the worker and Emitter.Stats.
type counters struct {
	accepted     atomic.Uint64
	delivered    atomic.Uint64
	dropped      atomic.Uint64
	evicted      atomic.Uint64
	retries      atomic.Uint64
	attempts     atomic.Uint64
	backpressure atomic.Uint64
}

// worker is the single goroutine that owns the store's batching and all
// delivery. Everything below the "loop state" marker is touched only by run.
type worker struct {
	cmds      <-chan command
	store     store.EventStore
	transport transport.Transport
	policy    *RetryPolicy
	logger    *zap.Logger
	metrics   *PrometheusMetrics
	observer  observe.Observer
	journal   journal.Journal
	tracer    trace.Tracer
	stats     *counters

	// admitted counts payloads handed to the worker that have not reached a
	// terminal outcome yet. Add reserves, the worker releases.
	admitted *atomic.Int64

	batchSize   int
	drainLimit  int
	sendTimeout time.Duration
	now         func() time.Time

	// loop state
	shutdown     bool
	flushes      []*checkpoint
	unreported   dropTally
	retryPending bool
	retryAt      time.Time
	storeFaults  int

	// done is closed when run returns. fault and closeErr are written before
	// that and read only after.
	done     chan struct{}
	fault    *WorkerFault
	closeErr error
}

// dropInfo describes payloads that reached the dropped outcome.
type dropInfo struct {
	kind       observe.Kind
	batchID    string
	items      []payload.Item
	attempts   int
	statusCode int
	reason     string
	err        error
}

func (w *worker) run() {
	defer close(w.done)
	defer w.recoverFault()

	w.logger.Debug("pipeline worker started",
		zap.Int("batch_size", w.batchSize),
		zap.Int("store_capacity", w.store.Capacity()))

	for {
		w.drain()
		w.resolveFlushes()

		if w.ready() {
			w.sendNext()
			w.metrics.UpdateStoreSize(w.store.Len())
			continue
		}
		if w.shutdown && w.store.Len() == 0 {
			w.finish()
			return
		}
		w.wait()
	}
}

// drain handles up to drainLimit commands without blocking.
func (w *worker) drain() {
	for i := 0; i < w.drainLimit; i++ {
		select {
		case cmd := <-w.cmds:
			w.handle(cmd)
		default:
			return
		}
	}
}

// wait blocks for the next command, or for the end of the current backoff.
func (w *worker) wait() {
	if !w.retryPending {
		w.handle(<-w.cmds)
		return
	}
	timer := time.NewTimer(w.retryAt.Sub(w.now()))
	defer timer.Stop()
	select {
	case cmd := <-w.cmds:
		w.handle(cmd)
	case <-timer.C:
	}
}

// ready reports whether a delivery attempt should happen now. A pending
// retry holds back everything else until its backoff has elapsed.
func (w *worker) ready() bool {
	if w.retryPending {
		return !w.now().Before(w.retryAt)
	}
	if w.store.Queued() >= w.batchSize {
		return true
	}
	return (w.shutdown || len(w.flushes) > 0) && w.store.Len() > 0
}

func (w *worker) handle(cmd command) {
	switch cmd.kind {
	case cmdAdd:
		w.enqueue(cmd.payload)
	case cmdFlush:
		w.addCheckpoint(cmd.reply)
	case cmdClose:
		if !w.shutdown {
			w.shutdown = true
			w.logger.Debug("pipeline shutdown requested", zap.Int("stored", w.store.Len()))
		}
	default:
		panic(fmt.Errorf("unknown command kind %d", cmd.kind))
	}
}

func (w *worker) enqueue(p payload.Payload) {
	evicted, err := w.store.Enqueue(p)
	if len(evicted) > 0 {
		w.stats.evicted.Add(uint64(len(evicted)))
		w.recordDrop(dropInfo{
			kind:   observe.KindPayloadEvicted,
			items:  evicted,
			reason: observe.ReasonEvicted,
		})
	}
	if err != nil {
		reason := reasonStoreFull
		if errors.Is(err, store.ErrRecovered) {
			reason = reasonStoreFault
		}
		w.recordDrop(dropInfo{
			kind:   observe.KindBatchDropped,
			items:  []payload.Item{{Payload: p}},
			reason: reason,
			err:    err,
		})
		return
	}
	w.metrics.RecordAccepted(1)
}

func (w *worker) addCheckpoint(reply chan error) {
	target, ok := w.store.Newest()
	if !ok {
		w.resolve(reply)
		return
	}
	w.flushes = append(w.flushes, &checkpoint{target: target, reply: reply})
}

// resolveFlushes answers every checkpoint whose payloads have all left the
// store.
func (w *worker) resolveFlushes() {
	if len(w.flushes) == 0 {
		return
	}
	oldest, ok := w.store.Oldest()
	kept := w.flushes[:0]
	for _, cp := range w.flushes {
		if ok && oldest <= cp.target {
			kept = append(kept, cp)
			continue
		}
		w.resolve(cp.reply)
	}
	for i := len(kept); i < len(w.flushes); i++ {
		w.flushes[i] = nil
	}
	w.flushes = kept
}

func (w *worker) sendNext() {
	b, err := w.store.TakeBatch(w.batchSize)
	if err != nil {
		w.storeFault("take_batch", err)
		return
	}
	if b.Len() == 0 {
		w.retryPending = false
		if w.store.Len() > 0 {
			w.storeFault("take_batch", fmt.Errorf("store holds %d payloads but returned an empty batch", w.store.Len()))
		}
		return
	}
	w.storeFaults = 0
	w.retryPending = false
	w.attempt(b)
}

// attempt makes one delivery attempt and applies the policy's decision.
func (w *worker) attempt(b payload.Batch) {
	start := w.now()
	batchID := b.ID.String()

	ctx, span := w.tracer.Start(context.Background(), "eventpipe.send", trace.WithAttributes(
		attribute.String("eventpipe.batch_id", batchID),
		attribute.Int("eventpipe.batch_size", b.Len()),
		attribute.Int("eventpipe.attempt", b.Attempt),
	))
	defer span.End()
	if w.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.sendTimeout)
		defer cancel()
	}

	w.stats.attempts.Add(1)
	w.observe(observe.Event{
		Kind:    observe.KindBatchSent,
		BatchID: batchID,
		Size:    b.Len(),
		Attempt: b.Attempt,
	})

	resp, err := w.transport.Send(ctx, payload.NewEnvelope(b, start))
	latency := w.now().Sub(start)

	outcome := StatusOutcome(resp.StatusCode)
	if err != nil {
		outcome = FailureOutcome(err)
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}

	d := w.policy.Decide(outcome, b.Attempt)
	span.SetAttributes(attribute.String("eventpipe.decision", d.Action.String()))

	switch d.Action {
	case ActionAccept:
		w.delivered(b, outcome, latency)
	case ActionRetry:
		span.SetStatus(codes.Error, "retry")
		w.retry(b, outcome, d, latency)
	default:
		span.SetStatus(codes.Error, d.Reason)
		w.dropBatch(b, outcome, d.Reason, latency)
	}
}

func (w *worker) delivered(b payload.Batch, o Outcome, latency time.Duration) {
	if err := w.store.Cleanup(b); err != nil {
		w.logger.Error("failed to release delivered batch",
			zap.String("batch_id", b.ID.String()), zap.Error(err))
	}
	n := b.Len()
	w.admitted.Add(-int64(n))
	w.stats.delivered.Add(uint64(n))
	w.metrics.RecordAttempt("delivered", n, latency)

	w.observe(observe.Event{
		Kind:       observe.KindBatchDelivered,
		BatchID:    b.ID.String(),
		Size:       n,
		Attempt:    b.Attempt,
		StatusCode: o.StatusCode,
		Meta:       map[string]interface{}{"duration_ms": latency.Milliseconds()},
	})
	w.record(journal.Entry{
		BatchID:    b.ID.String(),
		EventIDs:   b.EventIDs(),
		Size:       n,
		Status:     journal.StatusDelivered,
		StatusCode: o.StatusCode,
		Attempts:   b.Attempt + 1,
	})
}

func (w *worker) retry(b payload.Batch, o Outcome, d Decision, latency time.Duration) {
	failed := b.Attempt
	b.Attempt++
	if err := w.store.Requeue(b); err != nil {
		w.logger.Error("failed to requeue batch for retry",
			zap.String("batch_id", b.ID.String()), zap.Error(err))
		b.Attempt = failed
		w.dropBatch(b, o, reasonStoreFault, latency)
		return
	}
	w.retryPending = true
	w.retryAt = w.now().Add(d.Delay)
	w.stats.retries.Add(1)
	w.metrics.RecordAttempt("retry", b.Len(), latency)

	meta := map[string]interface{}{"duration_ms": latency.Milliseconds()}
	fields := []zap.Field{
		zap.String("batch_id", b.ID.String()),
		zap.Int("attempt", failed),
		zap.Int("status", o.StatusCode),
		zap.Duration("delay", d.Delay),
	}
	if o.Err != nil {
		meta["error"] = o.Err.Error()
		fields = append(fields, zap.Error(o.Err))
	}
	w.logger.Warn("batch delivery failed, will retry", fields...)
	w.observe(observe.Event{
		Kind:       observe.KindBatchRetry,
		BatchID:    b.ID.String(),
		Size:       b.Len(),
		Attempt:    failed,
		StatusCode: o.StatusCode,
		Delay:      d.Delay,
		Meta:       meta,
	})
}

func (w *worker) dropBatch(b payload.Batch, o Outcome, reason string, latency time.Duration) {
	if err := w.store.Cleanup(b); err != nil && !errors.Is(err, store.ErrUnknownBatch) {
		w.logger.Error("failed to release dropped batch",
			zap.String("batch_id", b.ID.String()), zap.Error(err))
	}
	w.metrics.RecordAttempt("dropped", b.Len(), latency)
	w.recordDrop(dropInfo{
		kind:       observe.KindBatchDropped,
		batchID:    b.ID.String(),
		items:      b.Items,
		attempts:   b.Attempt + 1,
		statusCode: o.StatusCode,
		reason:     reason,
		err:        o.Err,
	})
}

// recordDrop reports payloads that will never be delivered to every sink:
// stats, metrics, log, observers, journal and pending checkpoints.
func (w *worker) recordDrop(d dropInfo) {
	n := len(d.items)
	w.admitted.Add(-int64(n))
	w.stats.dropped.Add(uint64(n))
	w.metrics.RecordDropped(d.reason, n)

	ids := make([]string, 0, n)
	for _, it := range d.items {
		if id := it.Payload.EventID(); id != "" {
			ids = append(ids, id)
		}
	}

	meta := map[string]interface{}{"event_ids": ids}
	fields := []zap.Field{
		zap.String("reason", d.reason),
		zap.Int("size", n),
		zap.Strings("event_ids", ids),
	}
	if d.batchID != "" {
		fields = append(fields, zap.String("batch_id", d.batchID))
	}
	if d.statusCode != 0 {
		fields = append(fields, zap.Int("status", d.statusCode))
	}
	errText := ""
	if d.err != nil {
		errText = d.err.Error()
		meta["error"] = errText
		fields = append(fields, zap.Error(d.err))
	}
	w.logger.Error("payloads dropped", fields...)

	w.observe(observe.Event{
		Kind:       d.kind,
		BatchID:    d.batchID,
		Size:       n,
		Attempt:    max(d.attempts-1, 0),
		StatusCode: d.statusCode,
		Reason:     d.reason,
		Meta:       meta,
	})
	w.record(journal.Entry{
		BatchID:    d.batchID,
		EventIDs:   ids,
		Size:       n,
		Status:     journal.StatusDropped,
		StatusCode: d.statusCode,
		Reason:     d.reason,
		Attempts:   d.attempts,
		Error:      errText,
	})

	w.unreported.add(n, d.reason)
}

// storeFault handles a failed store operation. The store has repaired itself
// (or claims to); a run of failures means it cannot, and kills the worker.
func (w *worker) storeFault(op string, err error) {
	w.storeFaults++
	w.logger.Error("event store operation failed",
		zap.String("op", op),
		zap.Int("consecutive", w.storeFaults),
		zap.Error(err))
	if w.storeFaults >= maxStoreFaults {
		panic(fmt.Errorf("event store failed %d times in a row: %w", w.storeFaults, err))
	}
}

// resolve answers a flush with the drops recorded since the previous one.
func (w *worker) resolve(reply chan error) {
	dropped := w.unreported.dropped
	reply <- w.unreported.take()
	w.observe(observe.Event{Kind: observe.KindFlushResolved, Size: dropped})
}

func (w *worker) finish() {
	w.closeErr = w.unreported.take()
	w.observe(observe.Event{Kind: observe.KindWorkerStopped})
	w.logger.Info("pipeline worker stopped",
		zap.Uint64("delivered", w.stats.delivered.Load()),
		zap.Uint64("dropped", w.stats.dropped.Load()),
		zap.Uint64("retries", w.stats.retries.Load()))
}

// recoverFault turns a panic anywhere in the loop into a WorkerFault that
// every waiting and future caller receives.
func (w *worker) recoverFault() {
	r := recover()
	if r == nil {
		return
	}
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}
	w.fault = &WorkerFault{Cause: cause, Stack: debug.Stack()}

	for _, cp := range w.flushes {
		cp.reply <- w.fault
	}
	w.flushes = nil

	w.metrics.RecordWorkerFault()
	w.logger.Error("pipeline worker fault",
		zap.Error(cause),
		zap.ByteString("stack", w.fault.Stack))

	// The observer may be what panicked.
	func() {
		defer func() { _ = recover() }()
		w.observe(observe.Event{
			Kind:   observe.KindWorkerFault,
			Reason: cause.Error(),
			Meta:   map[string]interface{}{"error": cause.Error()},
		})
	}()
}

func (w *worker) observe(e observe.Event) {
	if e.Time.IsZero() {
		e.Time = w.now()
	}
	w.observer.Observe(e)
}

func (w *worker) record(e journal.Entry) {
	if w.journal == nil {
		return
	}
	e.RecordedAt = w.now()
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := w.journal.Record(ctx, e); err != nil {
		w.logger.Warn("failed to journal batch outcome",
			zap.String("batch_id", e.BatchID),
			zap.String("status", string(e.Status)),
			zap.Error(err))
	}
}
