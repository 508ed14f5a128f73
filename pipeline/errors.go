// Package pipeline is a client-side analytics event emission pipeline.
//
// An application hands serialized event payloads to an Emitter. A single
// background worker groups them into bounded batches, POSTs each batch to a
// collector, and retries failed deliveries under a RetryPolicy. The caller is
// never blocked beyond a configured backpressure limit, and every payload the
// Emitter accepts ends up either delivered or recorded as dropped.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidConfig is wrapped by every *ConfigError.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// ErrBackpressure is returned by Add when the payload could not be handed to
// the worker in time: the command channel stayed full past the backpressure
// timeout, the emitter is in fail-fast mode, or the event store is full under
// the reject overflow policy. The payload was not accepted; the caller may
// retry or discard it.
var ErrBackpressure = errors.New("pipeline backpressure")

// ErrClosed is returned by Add, Flush and Close after Close has been called.
var ErrClosed = errors.New("emitter is closed")

// ErrWorkerFault is wrapped by every *WorkerFault.
var ErrWorkerFault = errors.New("pipeline worker fault")

// ErrUndelivered is wrapped by every *DeliveryError.
var ErrUndelivered = errors.New("payloads were dropped without delivery")

// ConfigError reports one invalid configuration field.
//
// Config.Validate aggregates every problem it finds, so callers usually
// receive several ConfigErrors joined in a *multierror.Error. Both
// errors.Is(err, ErrInvalidConfig) and errors.As(err, &cfgErr) work on the
// aggregate.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// WorkerFault reports that the worker goroutine died from an internal fault.
//
// After a fault the emitter accepts nothing more: Add, Flush and Close all
// return the same *WorkerFault. Payloads still held in the store at that
// point were not delivered.
type WorkerFault struct {
	// Cause is the recovered panic value converted to an error.
	Cause error

	// Stack is the worker's stack at the time of the fault.
	Stack []byte
}

func (f *WorkerFault) Error() string {
	return fmt.Sprintf("pipeline worker fault: %v", f.Cause)
}

// Unwrap returns the cause.
func (f *WorkerFault) Unwrap() error {
	return f.Cause
}

// Is makes errors.Is(f, ErrWorkerFault) true.
func (f *WorkerFault) Is(target error) bool {
	return target == ErrWorkerFault
}

// DeliveryError is returned by Flush and Close when payloads were
// permanently dropped since the previous Flush returned. The drops have
// already been logged, counted, observed and journaled; the error summarizes
// them.
type DeliveryError struct {
	// Dropped is the number of payloads lost.
	Dropped int

	// Reasons counts dropped payloads per reason (e.g. "retries_exhausted").
	Reasons map[string]int
}

func (e *DeliveryError) Error() string {
	reasons := make([]string, 0, len(e.Reasons))
	for r, n := range e.Reasons {
		reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
	}
	sort.Strings(reasons)
	return fmt.Sprintf("%d payloads dropped (%s)", e.Dropped, strings.Join(reasons, ", "))
}

func (e *DeliveryError) Unwrap() error {
	return ErrUndelivered
}
