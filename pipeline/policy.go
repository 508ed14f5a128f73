package pipeline

import (
	"math/rand"
	"time"

	"github.com/dshills/eventpipe/pipeline/observe"
)

// Action is what the worker does with a batch after a delivery attempt.
type Action int

const (
	// ActionAccept removes the batch from the store permanently.
	ActionAccept Action = iota

	// ActionRetry requeues the batch at the head of the store and waits
	// Decision.Delay before sending anything else.
	ActionRetry

	// ActionDrop discards the batch and records the loss.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionRetry:
		return "retry"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt: either a status code from
// the collector, or a transport-level failure (Err non-nil) when no response
// was obtained.
type Outcome struct {
	StatusCode int
	Err        error
}

// StatusOutcome is an answered attempt.
func StatusOutcome(code int) Outcome {
	return Outcome{StatusCode: code}
}

// FailureOutcome is an attempt that produced no response.
func FailureOutcome(err error) Outcome {
	return Outcome{Err: err}
}

// TransportFailure reports whether the attempt produced no status code.
func (o Outcome) TransportFailure() bool {
	return o.Err != nil
}

// Decision is the policy's verdict for one outcome.
type Decision struct {
	Action Action

	// Delay is the backoff before the retry. Zero unless Action is
	// ActionRetry.
	Delay time.Duration

	// Reason explains a drop: observe.ReasonNonRetryable or
	// observe.ReasonRetriesExhausted.
	Reason string
}

// RetryPolicy decides, for each delivery outcome, whether to accept, retry or
// drop a batch, and how long to back off before a retry.
//
// Decide is a pure function of its inputs apart from jitter. The rules, in
// order:
//   - transport failure: retry unless exhausted
//   - 2xx: accept
//   - status in NonRetryable: drop immediately, whatever the attempt count
//   - any other status: retry unless exhausted
//
// "Exhausted" means attemptCount >= MaxRetries and Infinite is false, so a
// batch is attempted at most MaxRetries+1 times.
//
// Backoff for attempt n (zero-based) is:
//
//	min(BaseBackoff * 2^n, MaxBackoff) + uniform[0, Jitter)
//
// recomputed on every call.
//
// Example:
//
//	rp := pipeline.NewRetryPolicy(pipeline.RetryConfig{
//	    MaxRetries:    3,
//	    BaseBackoffMs: 100,
//	    MaxBackoffMs:  5000,
//	    JitterMs:      50,
//	})
//	d := rp.Decide(pipeline.StatusOutcome(503), 0) // Retry after ~100-150ms
type RetryPolicy struct {
	// MaxRetries is the number of retries allowed after the first attempt.
	MaxRetries int

	// Infinite disables exhaustion.
	Infinite bool

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      time.Duration

	// NonRetryable holds the status codes that are never retried.
	NonRetryable map[int]bool

	// jitterFn returns a value in [0, max). Tests replace it.
	jitterFn func(max time.Duration) time.Duration
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		Infinite:     cfg.Infinite,
		BaseBackoff:  time.Duration(cfg.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:   time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Jitter:       time.Duration(cfg.JitterMs) * time.Millisecond,
		NonRetryable: codeSet(cfg.NonRetryableStatusCodes),
	}
}

// RetryForever returns a policy that never gives up on retryable failures.
func RetryForever(base, maxBackoff, jitter time.Duration) *RetryPolicy {
	return &RetryPolicy{
		Infinite:     true,
		BaseBackoff:  base,
		MaxBackoff:   maxBackoff,
		Jitter:       jitter,
		NonRetryable: codeSet(DefaultNonRetryableStatusCodes()),
	}
}

// NoRetry returns a policy that drops every failed batch after one attempt.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{NonRetryable: codeSet(DefaultNonRetryableStatusCodes())}
}

// Decide classifies an outcome for a batch that has already been attempted
// attemptCount times before this attempt (zero on the first attempt).
func (rp *RetryPolicy) Decide(o Outcome, attemptCount int) Decision {
	if !o.TransportFailure() {
		if o.StatusCode >= 200 && o.StatusCode < 300 {
			return Decision{Action: ActionAccept}
		}
		if rp.NonRetryable[o.StatusCode] {
			return Decision{Action: ActionDrop, Reason: observe.ReasonNonRetryable}
		}
	}
	if !rp.Infinite && attemptCount >= rp.MaxRetries {
		return Decision{Action: ActionDrop, Reason: observe.ReasonRetriesExhausted}
	}
	return Decision{Action: ActionRetry, Delay: rp.Backoff(attemptCount)}
}

// Backoff returns the delay before retrying after attempt n.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	return computeBackoff(attempt, rp.BaseBackoff, rp.MaxBackoff) + rp.jitter()
}

// Validate checks the policy's parameters.
func (rp *RetryPolicy) Validate() error {
	switch {
	case rp.MaxRetries < 0:
		return &ConfigError{Field: "retry.max_retries", Reason: "must be >= 0"}
	case rp.BaseBackoff < 0 || rp.MaxBackoff < 0 || rp.Jitter < 0:
		return &ConfigError{Field: "retry", Reason: "durations must be >= 0"}
	case rp.MaxBackoff > 0 && rp.MaxBackoff < rp.BaseBackoff:
		return &ConfigError{Field: "retry.max_backoff_ms", Reason: "must be >= base_backoff_ms"}
	}
	return nil
}

func (rp *RetryPolicy) jitter() time.Duration {
	if rp.Jitter <= 0 {
		return 0
	}
	if rp.jitterFn != nil {
		return rp.jitterFn(rp.Jitter)
	}
	return time.Duration(rand.Int63n(int64(rp.Jitter))) // #nosec G404 -- jitter for retry timing, not security
}

// computeBackoff returns min(base * 2^attempt, maxDelay) without jitter.
// Doubling stops at the cap, so large attempt counts cannot overflow.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && (maxDelay <= 0 || d < maxDelay); i++ {
		if d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

func codeSet(codes []int) map[int]bool {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}
