package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// PostPath is appended to the collector endpoint for batch POSTs.
const PostPath = "com.snowplowanalytics.snowplow/tp2"

// HTTPTransport POSTs envelopes as JSON to a collector.
//
// The request URL is "{endpoint}/com.snowplowanalytics.snowplow/tp2". Any
// status code is returned as a Response; only failures to obtain one (bad
// request construction, network errors, context cancellation) become a
// *TransportError.
//
// Example usage:
//
//	tr := transport.NewHTTPTransport("https://collector.example.com",
//	    transport.WithTimeout(5*time.Second),
//	    transport.WithHeader("X-Api-Key", key),
//	)
//	resp, err := tr.Send(ctx, env)
type HTTPTransport struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTimeout bounds each request. Zero means no client timeout; the context
// passed to Send still applies.
func WithTimeout(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.client.Timeout = d
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) {
		t.headers[key] = value
	}
}

// NewHTTPTransport creates a transport for the given collector endpoint. A
// trailing slash on endpoint is ignored.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		client:  &http.Client{},
		url:     strings.TrimRight(endpoint, "/") + "/" + PostPath,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// URL returns the full request URL.
func (t *HTTPTransport) URL() string {
	return t.url
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, env payload.SelfDescribingJSON) (Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Response{}, &TransportError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, &TransportError{Op: "request", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, &TransportError{Op: "request", Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return Response{StatusCode: resp.StatusCode}, nil
}
