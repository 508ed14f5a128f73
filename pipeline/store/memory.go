package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// DefaultCapacity is used when NewMemStore is given a non-positive capacity.
const DefaultCapacity = 1000

// MemStore is an in-memory implementation of EventStore.
//
// Payloads are kept in three places:
//   - queue: accepted payloads in arrival order, never taken
//   - inflight: batches handed out by TakeBatch and not yet released
//   - requeued: batches returned for retry, served before the queue
//
// MemStore is thread-safe. Every operation holds a single mutex for the
// duration of the in-memory mutation only.
//
// If a mutation panics while the lock is held, the panic is recovered, the
// store's invariants (capacity bound, FIFO order, consistent counters) are
// rebuilt from the surviving data, and the operation returns ErrRecovered.
//
// Example:
//
//	st := store.NewMemStore(1000, store.OverflowReject)
//	if _, err := st.Enqueue(payload.Payload{"eid": id}); err != nil {
//	    // store.ErrFull
//	}
//	batch, _ := st.TakeBatch(100)
//	// ... deliver ...
//	_ = st.Cleanup(batch)
type MemStore struct {
	mu       sync.Mutex
	capacity int
	overflow OverflowPolicy
	queue    []payload.Item
	requeued []payload.Batch
	inflight map[uuid.UUID]payload.Batch
	held     int // payloads in inflight + requeued
	nextSeq  uint64

	// mutationHook runs inside the lock at the start of each mutation.
	// Tests use it to simulate a fault while the lock is held.
	mutationHook func(op string)
}

var _ EventStore = (*MemStore)(nil)

// NewMemStore creates an empty store holding at most capacity payloads.
// An unknown overflow policy is treated as OverflowReject.
func NewMemStore(capacity int, overflow OverflowPolicy) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if !overflow.Valid() {
		overflow = OverflowReject
	}
	return &MemStore{
		capacity: capacity,
		overflow: overflow,
		queue:    make([]payload.Item, 0, capacity),
		inflight: make(map[uuid.UUID]payload.Batch),
	}
}

// Enqueue appends a copy of p to the queue.
func (m *MemStore) Enqueue(p payload.Payload) (evicted []payload.Item, err error) {
	err = m.mutate("enqueue", func() error {
		if m.lenLocked() >= m.capacity {
			if m.overflow != OverflowEvictOldest || len(m.queue) == 0 {
				return ErrFull
			}
			evicted = append(evicted, m.queue[0])
			m.queue[0] = payload.Item{}
			m.queue = m.queue[1:]
		}
		m.nextSeq++
		m.queue = append(m.queue, payload.Item{Seq: m.nextSeq, Payload: p.Clone()})
		return nil
	})
	return evicted, err
}

// TakeBatch hands out the next batch. Requeued batches take priority.
func (m *MemStore) TakeBatch(max int) (b payload.Batch, err error) {
	err = m.mutate("take_batch", func() error {
		if len(m.requeued) > 0 {
			b = m.requeued[0]
			m.requeued = m.requeued[1:]
			m.inflight[b.ID] = b
			return nil
		}
		if max <= 0 || len(m.queue) == 0 {
			return nil
		}
		n := max
		if n > len(m.queue) {
			n = len(m.queue)
		}
		items := make([]payload.Item, n)
		copy(items, m.queue[:n])
		for i := 0; i < n; i++ {
			m.queue[i] = payload.Item{}
		}
		m.queue = m.queue[n:]
		if len(m.queue) == 0 {
			m.queue = m.queue[:0:0]
		}

		b = payload.NewBatch(items)
		m.inflight[b.ID] = b
		m.held += n
		return nil
	})
	return b, err
}

// Cleanup forgets an in-flight batch.
func (m *MemStore) Cleanup(b payload.Batch) error {
	return m.mutate("cleanup", func() error {
		held, ok := m.inflight[b.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBatch, b.ID)
		}
		delete(m.inflight, b.ID)
		m.held -= held.Len()
		return nil
	})
}

// Requeue moves an in-flight batch back to the head of the store.
func (m *MemStore) Requeue(b payload.Batch) error {
	return m.mutate("requeue", func() error {
		held, ok := m.inflight[b.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBatch, b.ID)
		}
		delete(m.inflight, b.ID)
		held.Attempt = b.Attempt
		m.requeued = append(m.requeued, held)
		sortBatches(m.requeued)
		return nil
	})
}

// Len returns queued plus held payloads.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

// Queued returns the number of never-taken payloads.
func (m *MemStore) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Capacity returns the configured bound.
func (m *MemStore) Capacity() int {
	return m.capacity
}

// Overflow returns the overflow policy.
func (m *MemStore) Overflow() OverflowPolicy {
	return m.overflow
}

// Oldest returns the lowest sequence number held anywhere in the store.
func (m *MemStore) Oldest() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		oldest uint64
		found  bool
	)
	consider := func(seq uint64) {
		if !found || seq < oldest {
			oldest, found = seq, true
		}
	}
	if len(m.queue) > 0 {
		consider(m.queue[0].Seq)
	}
	for _, b := range m.requeued {
		if b.Len() > 0 {
			consider(b.Items[0].Seq)
		}
	}
	for _, b := range m.inflight {
		if b.Len() > 0 {
			consider(b.Items[0].Seq)
		}
	}
	return oldest, found
}

// Newest returns the highest sequence number held anywhere in the store.
func (m *MemStore) Newest() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		newest uint64
		found  bool
	)
	consider := func(seq uint64) {
		if !found || seq > newest {
			newest, found = seq, true
		}
	}
	if len(m.queue) > 0 {
		consider(m.queue[len(m.queue)-1].Seq)
	}
	for _, b := range m.requeued {
		if b.Len() > 0 {
			consider(b.LastSeq())
		}
	}
	for _, b := range m.inflight {
		if b.Len() > 0 {
			consider(b.LastSeq())
		}
	}
	return newest, found
}

func (m *MemStore) lenLocked() int {
	return len(m.queue) + m.held
}

// mutate runs fn under the lock, converting a panic into ErrRecovered after
// repairing the store.
func (m *MemStore) mutate(op string, fn func() error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			lost := m.repairLocked()
			err = fmt.Errorf("%w: %s: %v (discarded %d payloads)", ErrRecovered, op, r, lost)
		}
	}()

	if m.mutationHook != nil {
		m.mutationHook(op)
	}
	return fn()
}

// repairLocked rebuilds the store's bookkeeping from its contents and
// restores the capacity bound, discarding the newest queued payloads if the
// bound was exceeded. It returns how many payloads were discarded.
func (m *MemStore) repairLocked() int {
	if m.inflight == nil {
		m.inflight = make(map[uuid.UUID]payload.Batch)
	}

	// Drop zeroed slots and restore arrival order.
	queue := make([]payload.Item, 0, len(m.queue))
	seen := make(map[uint64]bool, len(m.queue))
	for _, it := range m.queue {
		if it.Seq == 0 || it.Payload == nil || seen[it.Seq] {
			continue
		}
		seen[it.Seq] = true
		queue = append(queue, it)
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Seq < queue[j].Seq })

	requeued := m.requeued[:0:0]
	for _, b := range m.requeued {
		if _, dup := m.inflight[b.ID]; dup || b.Len() == 0 {
			continue
		}
		requeued = append(requeued, b)
	}
	sortBatches(requeued)

	held := 0
	for _, b := range m.inflight {
		held += b.Len()
	}
	for _, b := range requeued {
		held += b.Len()
	}

	lost := 0
	for len(queue) > 0 && len(queue)+held > m.capacity {
		queue = queue[:len(queue)-1]
		lost++
	}

	for _, it := range queue {
		if it.Seq > m.nextSeq {
			m.nextSeq = it.Seq
		}
	}

	m.queue = queue
	m.requeued = requeued
	m.held = held
	return lost
}

// sortBatches orders batches by their first sequence number.
func sortBatches(bs []payload.Batch) {
	sort.SliceStable(bs, func(i, j int) bool {
		return firstSeq(bs[i]) < firstSeq(bs[j])
	})
}

func firstSeq(b payload.Batch) uint64 {
	if b.Len() == 0 {
		return 0
	}
	return b.Items[0].Seq
}
