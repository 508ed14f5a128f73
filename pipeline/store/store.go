// Package store provides the bounded holding area for payloads that have been
// accepted by the pipeline but not yet acknowledged by the collector.
package store

import (
	"errors"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// ErrFull is returned by Enqueue when the store is at capacity and the
// overflow policy does not allow evicting an older payload.
var ErrFull = errors.New("event store is full")

// ErrUnknownBatch is returned by Cleanup and Requeue when the batch was not
// taken from this store or has already been released.
var ErrUnknownBatch = errors.New("batch is not in flight")

// ErrRecovered is returned when a mutation panicked while holding the store
// lock. The store repairs its invariants before returning it, so the store
// remains usable.
var ErrRecovered = errors.New("event store recovered from panic")

// OverflowPolicy selects what Enqueue does when the store is at capacity.
type OverflowPolicy string

const (
	// OverflowReject refuses the new payload with ErrFull.
	OverflowReject OverflowPolicy = "reject"

	// OverflowEvictOldest discards the oldest queued (never taken) payload
	// to make room. Payloads that are in flight or awaiting retry are never
	// evicted; if nothing is evictable the new payload is refused.
	OverflowEvictOldest OverflowPolicy = "evict_oldest"
)

// Valid reports whether p names a known policy.
func (p OverflowPolicy) Valid() bool {
	return p == OverflowReject || p == OverflowEvictOldest
}

// EventStore holds payloads between acceptance and delivery.
//
// The capacity bound covers every payload the store is responsible for:
// queued payloads, batches handed out by TakeBatch, and batches returned via
// Requeue. Payloads leave the store only through Cleanup or eviction.
//
// Implementations must be safe for concurrent use and must never hold their
// lock across anything other than the in-memory mutation itself.
//
// Implementations can use:
//   - In-memory storage (MemStore)
//   - A spill-to-disk queue for very large buffers
//   - Any structure that preserves FIFO order and the capacity bound
type EventStore interface {
	// Enqueue admits a payload at the tail of the queue and assigns it the
	// next sequence number.
	//
	// Returns ErrFull when the store is at capacity and the overflow policy
	// is OverflowReject (or nothing can be evicted). Under
	// OverflowEvictOldest, evicted holds the payloads discarded to make room;
	// the caller is responsible for reporting them as dropped.
	Enqueue(p payload.Payload) (evicted []payload.Item, err error)

	// TakeBatch removes up to max of the oldest payloads and returns them as
	// an in-flight batch. A batch previously returned through Requeue always
	// comes out first and intact, ahead of any queued payload.
	//
	// Returns an empty batch (Len() == 0) when nothing is available.
	TakeBatch(max int) (payload.Batch, error)

	// Cleanup releases an in-flight batch after a terminal outcome
	// (delivered or permanently dropped).
	Cleanup(b payload.Batch) error

	// Requeue returns an in-flight batch to the head of the store so it is
	// taken again before any newer payloads. The batch's Attempt counter is
	// taken from b; its items are not changed.
	Requeue(b payload.Batch) error

	// Len returns the number of payloads the store is responsible for,
	// including in-flight and requeued batches.
	Len() int

	// Queued returns the number of payloads that have never been taken.
	Queued() int

	// Capacity returns the maximum value Len may reach.
	Capacity() int

	// Oldest returns the lowest sequence number still held by the store.
	// ok is false when the store is empty.
	Oldest() (seq uint64, ok bool)

	// Newest returns the highest sequence number still held by the store.
	// ok is false when the store is empty.
	Newest() (seq uint64, ok bool)
}
