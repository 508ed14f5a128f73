// Package transport delivers batch envelopes to a collector.
//
// The pipeline only needs two things from a Transport: a numeric HTTP-style
// status code when the collector answered, and a distinguishable error when it
// did not. Everything else (encoding, endpoint layout, client tuning) is the
// Transport's business.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// Response is the collector's answer to one delivery attempt.
type Response struct {
	StatusCode int
}

// Success reports whether the status code is in the 2xx range.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport sends one batch envelope to the collector.
//
// Implementations must return a nil error whenever the collector produced a
// status code, including non-2xx codes; the caller classifies those. A non-nil
// error means no response was obtained (connection refused, timeout, circuit
// open) and should be a *TransportError.
//
// Send is called by a single worker goroutine, at most once at a time per
// emitter, but implementations shared between emitters must be safe for
// concurrent use.
//
// Example implementation:
//
//	type StdoutTransport struct{}
//
//	func (StdoutTransport) Send(ctx context.Context, env payload.SelfDescribingJSON) (transport.Response, error) {
//	    if err := json.NewEncoder(os.Stdout).Encode(env); err != nil {
//	        return transport.Response{}, &transport.TransportError{Op: "encode", Err: err}
//	    }
//	    return transport.Response{StatusCode: 200}, nil
//	}
type Transport interface {
	Send(ctx context.Context, env payload.SelfDescribingJSON) (Response, error)
}

// Func adapts an ordinary function to the Transport interface.
type Func func(ctx context.Context, env payload.SelfDescribingJSON) (Response, error)

// Send calls f.
func (f Func) Send(ctx context.Context, env payload.SelfDescribingJSON) (Response, error) {
	return f(ctx, env)
}

// TransportError reports a delivery attempt that produced no status code.
type TransportError struct {
	Op  string // "encode", "request", "breaker", "rate_limit", ...
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportFailure reports whether err (or anything it wraps) is a
// *TransportError.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
