package pipeline

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/eventpipe/pipeline/journal"
	"github.com/dshills/eventpipe/pipeline/observe"
	"github.com/dshills/eventpipe/pipeline/store"
	"github.com/dshills/eventpipe/pipeline/transport"
)

// Option is a functional option for configuring an Emitter.
//
// Options are applied in order on top of the Config passed to New, so they
// override config fields and inject collaborators:
//
//	em, err := pipeline.New(cfg,
//	    pipeline.WithLogger(logger),
//	    pipeline.WithMetrics(pipeline.NewPrometheusMetrics(registry)),
//	    pipeline.WithBatchSize(50),
//	)
//
// An Option returning an error aborts New with that error.
type Option func(*emitterConfig) error

// emitterConfig collects options before the Emitter is built.
type emitterConfig struct {
	cfg Config

	store     store.EventStore
	transport transport.Transport
	policy    *RetryPolicy
	logger    *zap.Logger
	metrics   *PrometheusMetrics
	observers []observe.Observer
	journal   journal.Journal
	tracer    trace.Tracer

	breaker   *transport.BreakerConfig
	sendRate  rate.Limit
	sendBurst int
}

// WithStore replaces the default in-memory store. StoreCapacity and
// OverflowPolicy from the Config are then ignored in favor of the store's
// own settings. Add refuses payloads up front when the store is full only if
// the store has an Overflow() method reporting store.OverflowReject;
// otherwise the store's ErrFull is recorded as a drop.
func WithStore(s store.EventStore) Option {
	return func(c *emitterConfig) error {
		if s == nil {
			return errors.New("WithStore: store is nil")
		}
		c.store = s
		return nil
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(c *emitterConfig) error {
		if t == nil {
			return errors.New("WithTransport: transport is nil")
		}
		c.transport = t
		return nil
	}
}

// WithRetryPolicy replaces the policy built from Config.Retry.
func WithRetryPolicy(rp *RetryPolicy) Option {
	return func(c *emitterConfig) error {
		if rp == nil {
			return errors.New("WithRetryPolicy: policy is nil")
		}
		if err := rp.Validate(); err != nil {
			return err
		}
		c.policy = rp
		return nil
	}
}

// WithLogger sets the zap logger used by the worker. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *emitterConfig) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *emitterConfig) error {
		c.metrics = m
		return nil
	}
}

// WithObserver adds an observer. May be given more than once; every
// observer receives every event.
func WithObserver(o observe.Observer) Option {
	return func(c *emitterConfig) error {
		if o != nil {
			c.observers = append(c.observers, o)
		}
		return nil
	}
}

// WithJournal records every terminal batch outcome in j. The emitter does
// not close j.
func WithJournal(j journal.Journal) Option {
	return func(c *emitterConfig) error {
		c.journal = j
		return nil
	}
}

// WithTracer sets the tracer for per-send spans. Default: the global
// provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *emitterConfig) error {
		c.tracer = t
		return nil
	}
}

// WithCircuitBreaker wraps the transport in a transport.Breaker.
func WithCircuitBreaker(cfg transport.BreakerConfig) Option {
	return func(c *emitterConfig) error {
		c.breaker = &cfg
		return nil
	}
}

// WithSendRate limits delivery attempts to r per second with the given
// burst.
func WithSendRate(r rate.Limit, burst int) Option {
	return func(c *emitterConfig) error {
		if r <= 0 {
			return errors.New("WithSendRate: rate must be positive")
		}
		c.sendRate = r
		c.sendBurst = burst
		return nil
	}
}

// WithBatchSize overrides Config.BatchSize.
func WithBatchSize(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.BatchSize = n
		return nil
	}
}

// WithStoreCapacity overrides Config.StoreCapacity.
func WithStoreCapacity(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.StoreCapacity = n
		return nil
	}
}

// WithOverflowPolicy overrides Config.OverflowPolicy.
func WithOverflowPolicy(p store.OverflowPolicy) Option {
	return func(c *emitterConfig) error {
		c.cfg.OverflowPolicy = p
		return nil
	}
}

// WithChannelCapacity overrides Config.ChannelCapacity.
func WithChannelCapacity(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.ChannelCapacity = n
		return nil
	}
}

// WithBackpressure overrides Config.Backpressure.
func WithBackpressure(mode BackpressureMode) Option {
	return func(c *emitterConfig) error {
		c.cfg.Backpressure = mode
		return nil
	}
}

// WithBackpressureTimeout overrides Config.BackpressureTimeoutMs. The
// duration is rounded up to whole milliseconds, so any positive d is valid.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(c *emitterConfig) error {
		ms := int(d / time.Millisecond)
		if d > 0 && d%time.Millisecond != 0 {
			ms++
		}
		c.cfg.BackpressureTimeoutMs = ms
		return nil
	}
}

// WithDrainLimit overrides Config.DrainLimit.
func WithDrainLimit(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.DrainLimit = n
		return nil
	}
}
