package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// ErrCircuitOpen is wrapped in the *TransportError returned while the breaker
// refuses requests.
var ErrCircuitOpen = errors.New("collector circuit open")

// errServerStatus marks a 5xx response so the breaker counts it as a failure.
var errServerStatus = errors.New("collector server error")

// BreakerConfig tunes a Breaker. Zero values take gobreaker's defaults except
// ConsecutiveFailures, which defaults to 5.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	MaxRequests         uint32        // probes allowed while half-open
	Interval            time.Duration // closed-state count reset period
	Timeout             time.Duration // open-state duration before half-open

	// OnStateChange is called on every transition, for logging.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Breaker wraps a Transport with a circuit breaker.
//
// Transport failures and 5xx responses count as failures; 2xx and 4xx
// responses count as successes, since a 4xx means the collector is up and
// answering. While the circuit is open Send fails immediately with a
// *TransportError wrapping ErrCircuitOpen, which the retry policy treats like
// any other transport failure.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Transport, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "collector"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	threshold := cfg.ConsecutiveFailures

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Send implements Transport.
func (b *Breaker) Send(ctx context.Context, env payload.SelfDescribingJSON) (Response, error) {
	var resp Response
	_, err := b.cb.Execute(func() (interface{}, error) {
		r, err := b.next.Send(ctx, env)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Response{}, &TransportError{Op: "breaker", Err: errors.Join(ErrCircuitOpen, err)}
	case IsTransportFailure(err):
		return Response{}, err
	default:
		return Response{}, &TransportError{Op: "send", Err: err}
	}
}
