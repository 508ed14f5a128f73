package observe

import "sync"

// BufferedObserver keeps every event in memory.
//
// It records the pipeline's delivery history in the order the worker
// produced it and answers queries over it.
//
// Features:
//   - Safe for concurrent use
//   - Filter by kind, batch id and drop reason
//   - Count events of a kind, or sum their sizes
//   - Clear the history
//
// Use cases:
//   - Tests asserting on retries, drops and flush resolution
//   - Debugging tools inspecting a live pipeline
//
// Warning: memory grows without bound. Call Clear periodically in
// long-running processes, or use the journal package for durable history.
//
// Example usage:
//
//	obs := observe.NewBufferedObserver()
//	em, _ := pipeline.New(cfg, pipeline.WithObserver(obs))
//	// ... Add, Flush ...
//	dropped := obs.HistoryWithFilter(observe.Filter{Kind: observe.KindBatchDropped})
//	lost := obs.Sum(observe.KindBatchDropped)
type BufferedObserver struct {
	mu     sync.RWMutex
	events []Event
}

// Filter selects events from a BufferedObserver.
//
// All fields are optional; zero values match everything. Set fields are
// combined with AND logic.
type Filter struct {
	Kind    Kind
	BatchID string
	Reason  string
}

// NewBufferedObserver creates an empty BufferedObserver.
func NewBufferedObserver() *BufferedObserver {
	return &BufferedObserver{}
}

// Observe appends the event.
func (b *BufferedObserver) Observe(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
}

// History returns a copy of every recorded event in order.
func (b *BufferedObserver) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, len(b.events))
	copy(result, b.events)
	return result
}

// HistoryWithFilter returns the recorded events matching filter, in order.
func (b *BufferedObserver) HistoryWithFilter(filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many recorded events have the given kind.
func (b *BufferedObserver) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, event := range b.events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

// Sum adds up Size across recorded events of the given kind.
func (b *BufferedObserver) Sum(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, event := range b.events {
		if event.Kind == kind {
			n += event.Size
		}
	}
	return n
}

// Clear forgets every recorded event.
func (b *BufferedObserver) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = nil
}

func (f Filter) matches(event Event) bool {
	if f.Kind != "" && event.Kind != f.Kind {
		return false
	}
	if f.BatchID != "" && event.BatchID != f.BatchID {
		return false
	}
	if f.Reason != "" && event.Reason != f.Reason {
		return false
	}
	return true
}
