package transport

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// RateLimited caps how often the wrapped Transport is called.
//
// Send waits for a token before delegating. If the context ends first, Send
// returns a *TransportError so the attempt is retried like a network failure.
type RateLimited struct {
	next    Transport
	limiter *rate.Limiter
}

// NewRateLimited allows r sends per second with the given burst.
func NewRateLimited(next Transport, r rate.Limit, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(r, burst)}
}

// Send implements Transport.
func (t *RateLimited) Send(ctx context.Context, env payload.SelfDescribingJSON) (Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Response{}, &TransportError{Op: "rate_limit", Err: err}
	}
	return t.next.Send(ctx, env)
}
