// Package observe reports what the emission pipeline does with each batch.
//
// The worker calls an Observer for every send, delivery, retry, drop,
// eviction and flush, so permanent data loss is never silent. Observers fan
// out to logs (LogObserver), traces (OTelObserver), in-memory history for
// tests and introspection (BufferedObserver), or nowhere (NullObserver).
package observe

// Observer receives pipeline events.
//
// Observe is called from the worker goroutine, synchronously, between
// delivery attempts. Implementations should be:
//   - Fast: a slow observer delays the next send
//   - Thread-safe: one observer may be shared by several emitters
//   - Panic-free: a panicking observer is treated as a worker fault
type Observer interface {
	Observe(event Event)
}

// Multi fans each event out to every observer in order.
type Multi []Observer

// Observe implements Observer.
func (m Multi) Observe(event Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(event)
		}
	}
}

// Func adapts a function to Observer.
type Func func(Event)

// Observe calls f.
func (f Func) Observe(event Event) {
	f(event)
}
