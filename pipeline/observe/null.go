package observe

// NullObserver discards every event.
//
// It is the default when an Emitter is built without WithObserver. Drops are
// still logged by the pipeline and counted in its metrics; only the observer
// channel is silenced.
//
// Use cases:
//   - Production emitters that rely on metrics and logs alone
//   - Tests that do not inspect pipeline events
//   - Slots in a Multi that are switched off by configuration
//
// Example usage:
//
//	var obs observe.Observer = observe.NewNullObserver()
//	if cfg.Debug {
//	    obs = observe.NewLogObserver(logger)
//	}
//	em, _ := pipeline.New(cfg, pipeline.WithObserver(obs))
type NullObserver struct{}

var _ Observer = (*NullObserver)(nil)

// NewNullObserver creates a NullObserver. It is safe for concurrent use.
func NewNullObserver() *NullObserver {
	return &NullObserver{}
}

// Observe does nothing.
func (n *NullObserver) Observe(Event) {}
