package pipeline

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/dshills/eventpipe/pipeline/observe"
	"github.com/dshills/eventpipe/pipeline/payload"
	"github.com/dshills/eventpipe/pipeline/store"
	"github.com/dshills/eventpipe/pipeline/transport"
)

// TracerName is the instrumentation scope of the per-send spans.
const TracerName = "github.com/dshills/eventpipe"

// Emitter accepts serialized event payloads and delivers them to a collector
// in the background.
//
// Add, Flush and Close are safe to call from any number of goroutines. One
// worker goroutine per Emitter owns batching, delivery and retries; callers
// talk to it over a bounded command channel and never touch the store or
// the transport themselves.
//
// Every payload Add accepts ends up either delivered or recorded as dropped
// (logged, counted in metrics, reported to observers and journaled).
//
// An Emitter must be closed. One that becomes unreachable without Close is
// closed by a finalizer on a best-effort basis, and its pending payloads are
// flushed then.
//
// Example:
//
//	cfg := pipeline.DefaultConfig()
//	cfg.CollectorEndpoint = "https://collector.example.com"
//	em, err := pipeline.New(cfg, pipeline.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer em.Close()
//
//	if err := em.Add(payload.Payload{"e": "pv", "eid": id}); err != nil {
//	    // ErrBackpressure: the pipeline is saturated
//	}
type Emitter struct {
	c *core
}

// core holds the Emitter's state. The worker never references it, so the
// Emitter wrapper can be finalized while the worker still runs.
type core struct {
	endpoint string
	cmds     chan command
	w        *worker
	logger   *zap.Logger
	metrics  *PrometheusMetrics
	stats    *counters
	store    store.EventStore

	// mu orders Close after in-flight Add and Flush sends. Senders hold the
	// read lock while sending; Close takes the write lock to flip closed, so
	// no command can follow cmdClose on the channel.
	mu     sync.RWMutex
	closed bool

	admitted  *atomic.Int64
	admission bool // enforce the store bound at Add time
	capacity  int64

	block   bool
	timeout time.Duration
}

// Stats is a snapshot of an Emitter's counters.
type Stats struct {
	// Accepted counts payloads Add took responsibility for.
	Accepted uint64
	// Delivered counts payloads the collector acknowledged.
	Delivered uint64
	// Dropped counts payloads lost for any reason, evictions included.
	Dropped uint64
	Evicted uint64
	// Retries counts failed attempts that were scheduled for retry.
	Retries  uint64
	Attempts uint64
	// Backpressure counts Add calls refused with ErrBackpressure.
	Backpressure uint64
	// Stored is the number of payloads the store currently holds.
	Stored int
}

// New validates cfg, applies opts, and starts the worker goroutine.
func New(cfg Config, opts ...Option) (*Emitter, error) {
	ec := &emitterConfig{cfg: cfg}
	for _, opt := range opts {
		if err := opt(ec); err != nil {
			return nil, err
		}
	}
	if err := ec.cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = ec.cfg

	if ec.logger == nil {
		ec.logger = zap.NewNop()
	}
	logger := ec.logger.With(zap.String("collector", cfg.CollectorEndpoint))

	st := ec.store
	if st == nil {
		st = store.NewMemStore(cfg.StoreCapacity, cfg.OverflowPolicy)
	}
	policy := ec.policy
	if policy == nil {
		policy = NewRetryPolicy(cfg.Retry)
	}
	tracer := ec.tracer
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(TracerName)
	}

	var obs observe.Observer = observe.NewNullObserver()
	if len(ec.observers) > 0 {
		obs = observe.Multi(ec.observers)
	}

	tr := ec.transport
	if tr == nil {
		tr = transport.NewHTTPTransport(cfg.CollectorEndpoint, transport.WithTimeout(cfg.sendTimeout()))
	}
	if ec.sendRate > 0 {
		tr = transport.NewRateLimited(tr, ec.sendRate, ec.sendBurst)
	}
	if ec.breaker != nil {
		bc := *ec.breaker
		if bc.OnStateChange == nil {
			bc.OnStateChange = func(name string, from, to gobreaker.State) {
				logger.Warn("collector circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		}
		tr = transport.NewBreaker(tr, bc)
	}

	// Under reject the store bound is enforced in Add, so a full store
	// pushes back on the producer instead of dropping. A custom store
	// reports its own policy when it can.
	overflow := cfg.OverflowPolicy
	if op, ok := st.(interface{ Overflow() store.OverflowPolicy }); ok {
		overflow = op.Overflow()
	} else if ec.store != nil {
		overflow = ""
	}

	stats := &counters{}
	admitted := &atomic.Int64{}
	cmds := make(chan command, cfg.ChannelCapacity)

	w := &worker{
		cmds:        cmds,
		store:       st,
		transport:   tr,
		policy:      policy,
		logger:      logger,
		metrics:     ec.metrics,
		observer:    obs,
		journal:     ec.journal,
		tracer:      tracer,
		stats:       stats,
		admitted:    admitted,
		batchSize:   cfg.BatchSize,
		drainLimit:  cfg.DrainLimit,
		sendTimeout: cfg.sendTimeout(),
		now:         time.Now,
		done:        make(chan struct{}),
	}

	c := &core{
		endpoint:  cfg.CollectorEndpoint,
		cmds:      cmds,
		w:         w,
		logger:    logger,
		metrics:   ec.metrics,
		stats:     stats,
		store:     st,
		admitted:  admitted,
		admission: overflow == store.OverflowReject,
		capacity:  int64(st.Capacity()),
		block:     cfg.Backpressure == BackpressureBlock,
		timeout:   cfg.backpressureTimeout(),
	}

	go w.run()

	e := &Emitter{c: c}
	runtime.SetFinalizer(e, func(e *Emitter) {
		go func() {
			if err := e.c.close(); err != ErrClosed {
				e.c.logger.Warn("emitter was not closed; closed by finalizer", zap.Error(err))
			}
		}()
	})
	return e, nil
}

// Add hands a payload to the pipeline. The payload is copied; the caller
// may reuse the map.
//
// Add returns ErrBackpressure (wrapped) when the pipeline cannot take the
// payload within the configured limits, ErrClosed after Close, or the
// *WorkerFault if the worker has died. Any other return is nil: the payload
// is accepted and will be delivered or recorded as dropped.
//
// A payload handed over while the worker is faulting gets the *WorkerFault,
// not nil, even though it reached the command channel; like every payload
// still held at the time of a fault it is not delivered.
func (e *Emitter) Add(p payload.Payload) error {
	return e.c.add(p)
}

func (c *core) add(p payload.Payload) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.fault(); err != nil {
		return err
	}

	if n := c.admitted.Add(1); c.admission && n > c.capacity {
		c.admitted.Add(-1)
		return c.backpressure("store_full", fmt.Errorf("%w: event store full (%d payloads)", ErrBackpressure, c.capacity))
	}

	cmd := command{kind: cmdAdd, payload: p.Clone()}

	select {
	case c.cmds <- cmd:
		return c.sent()
	default:
	}

	if !c.block {
		c.admitted.Add(-1)
		return c.backpressure("channel_full", fmt.Errorf("%w: command channel full", ErrBackpressure))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case c.cmds <- cmd:
		return c.sent()
	case <-timer.C:
		c.admitted.Add(-1)
		return c.backpressure("timeout", fmt.Errorf("%w: timed out after %v", ErrBackpressure, c.timeout))
	case <-c.w.done:
		c.admitted.Add(-1)
		return c.deadErr()
	}
}

// Flush blocks until every payload accepted before the call has been
// delivered or dropped.
//
// Flush returns nil when nothing was dropped since the previous Flush
// returned (or since New), a *DeliveryError summarizing those drops
// otherwise, ErrClosed after Close, or the *WorkerFault if the worker died.
func (e *Emitter) Flush() error {
	return e.c.flush()
}

func (c *core) flush() error {
	reply := make(chan error, 1)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	select {
	case c.cmds <- command{kind: cmdFlush, reply: reply}:
	case <-c.w.done:
		c.mu.RUnlock()
		return c.deadErr()
	}
	c.mu.RUnlock()

	select {
	case err := <-reply:
		return err
	case <-c.w.done:
		select {
		case err := <-reply:
			return err
		default:
			return c.deadErr()
		}
	}
}

// Close stops accepting payloads, delivers (or drops) everything still held,
// and waits for the worker to exit.
//
// Close returns nil when nothing was dropped since the last Flush returned,
// a *DeliveryError summarizing those drops otherwise, the *WorkerFault if the
// worker died, and ErrClosed on every call after the first.
func (e *Emitter) Close() error {
	runtime.SetFinalizer(e, nil)
	return e.c.close()
}

func (c *core) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.cmds <- command{kind: cmdClose}:
	case <-c.w.done:
	}
	<-c.w.done

	if c.w.fault != nil {
		return c.w.fault
	}
	return c.w.closeErr
}

// Stats returns a snapshot of the emitter's counters.
func (e *Emitter) Stats() Stats {
	c := e.c
	return Stats{
		Accepted:     c.stats.accepted.Load(),
		Delivered:    c.stats.delivered.Load(),
		Dropped:      c.stats.dropped.Load(),
		Evicted:      c.stats.evicted.Load(),
		Retries:      c.stats.retries.Load(),
		Attempts:     c.stats.attempts.Load(),
		Backpressure: c.stats.backpressure.Load(),
		Stored:       c.store.Len(),
	}
}

// CollectorEndpoint returns the configured collector base URL.
func (e *Emitter) CollectorEndpoint() string {
	return e.c.endpoint
}

// fault returns the worker's fault once it has died, without blocking.
func (c *core) fault() error {
	select {
	case <-c.w.done:
		return c.deadErr()
	default:
		return nil
	}
}

// deadErr is what callers get once the worker has exited. Only valid after
// w.done is closed.
func (c *core) deadErr() error {
	if c.w.fault != nil {
		return c.w.fault
	}
	return ErrClosed
}

// sent settles an Add whose command made it onto the channel. The worker may
// have died between the fault check and the send, leaving the command
// unread; the caller then gets the fault instead of a false acceptance.
// While add holds the read lock the worker can only exit by faulting.
func (c *core) sent() error {
	if err := c.fault(); err != nil {
		c.admitted.Add(-1)
		return err
	}
	c.stats.accepted.Add(1)
	return nil
}

func (c *core) backpressure(reason string, err error) error {
	c.stats.backpressure.Add(1)
	c.metrics.RecordBackpressure(reason)
	return err
}
