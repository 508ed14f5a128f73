package observe

import "time"

// Kind names what happened in the pipeline.
type Kind string

const (
	// KindBatchSent fires before each delivery attempt.
	KindBatchSent Kind = "batch_sent"

	// KindBatchDelivered fires when the collector accepted a batch.
	KindBatchDelivered Kind = "batch_delivered"

	// KindBatchRetry fires when a failed attempt is scheduled for retry.
	// Delay holds the backoff.
	KindBatchRetry Kind = "batch_retry"

	// KindBatchDropped fires when a batch is discarded permanently. Reason
	// holds one of the Reason constants.
	KindBatchDropped Kind = "batch_dropped"

	// KindPayloadEvicted fires when the store discarded queued payloads to
	// make room under the evict-oldest overflow policy.
	KindPayloadEvicted Kind = "payload_evicted"

	// KindFlushResolved fires when a flush checkpoint is satisfied.
	KindFlushResolved Kind = "flush_resolved"

	// KindWorkerStopped fires once when the worker exits cleanly.
	KindWorkerStopped Kind = "worker_stopped"

	// KindWorkerFault fires once when the worker dies from an internal fault.
	KindWorkerFault Kind = "worker_fault"
)

// Drop reasons.
const (
	ReasonNonRetryable     = "non_retryable_status"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonEvicted          = "evicted"
)

// Event describes one thing that happened to a batch or to the worker.
//
// Fields that do not apply to a kind are left at their zero value; for
// example StatusCode is 0 when the attempt failed at the transport level.
type Event struct {
	Kind Kind

	// Time is when the worker observed the event.
	Time time.Time

	// BatchID identifies the batch. Empty for worker-level events.
	BatchID string

	// Size is the number of payloads the event concerns.
	Size int

	// Attempt is the zero-based attempt number the event refers to.
	Attempt int

	// StatusCode is the collector's status code, or 0 for transport failures.
	StatusCode int

	// Reason explains a drop or a fault.
	Reason string

	// Delay is the scheduled backoff for KindBatchRetry.
	Delay time.Duration

	// Meta carries additional structured data. Common keys:
	//   - "error": transport or fault error text
	//   - "event_ids": []string of affected event ids
	//   - "duration_ms": send latency in milliseconds
	Meta map[string]interface{}
}

// Failure reports whether the event represents lost data or a dead worker.
func (e Event) Failure() bool {
	return e.Kind == KindBatchDropped || e.Kind == KindPayloadEvicted || e.Kind == KindWorkerFault
}
