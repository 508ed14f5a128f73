// Package tracker turns typed analytics events into collector payloads and
// hands them to an emission pipeline.
//
//	em, _ := pipeline.New(cfg)
//	tr := tracker.New("app-tracker", "my-app", em, &tracker.Subject{UserID: "user-1"})
//	defer tr.Close()
//
//	id, err := tr.Track(tracker.ScreenViewEvent{Name: "home"})
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/eventpipe/pipeline"
	"github.com/dshills/eventpipe/pipeline/payload"
)

// Defaults stamped on every payload.
const (
	DefaultPlatform = "pc"
	Version         = "go-eventpipe-0.1.0"
)

// Emitter is the part of *pipeline.Emitter the tracker uses.
type Emitter interface {
	Add(p payload.Payload) error
	Flush() error
	Close() error
}

// Tracker builds payloads for events and adds them to an Emitter.
//
// Every payload carries the platform (p), tracker version (tv), a fresh event
// id (eid), the creation time (dtm), the app id (aid) and the tracker
// namespace (tna), plus the merged subject and any context entities (co).
//
// Tracker is safe for concurrent use.
type Tracker struct {
	namespace string
	appID     string
	platform  string
	emitter   Emitter
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	subject Subject

	// pipelineOpts are passed to pipeline.New by NewWithCollector.
	pipelineOpts []pipeline.Option
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPlatform overrides DefaultPlatform, e.g. "srv" for server-side
// trackers or "mob" for mobile apps.
func WithPlatform(platform string) Option {
	return func(t *Tracker) {
		if platform != "" {
			t.platform = platform
		}
	}
}

// WithLogger logs tracked events at debug level and refused ones at warn.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPipelineOptions configures the emitter NewWithCollector builds, e.g.
// pipeline.WithMetrics or pipeline.WithBatchSize. New ignores it.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(t *Tracker) {
		t.pipelineOpts = append(t.pipelineOpts, opts...)
	}
}

// New creates a Tracker. subject may be nil.
func New(namespace, appID string, em Emitter, subject *Subject, opts ...Option) *Tracker {
	t := &Tracker{
		namespace: namespace,
		appID:     appID,
		platform:  DefaultPlatform,
		emitter:   em,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	if subject != nil {
		t.subject = *subject
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewWithCollector creates a Tracker backed by its own Emitter delivering to
// collectorURL with pipeline.DefaultConfig. The tracker's logger (WithLogger)
// is handed to the emitter; WithPipelineOptions adds further emitter options.
//
// Closing the Tracker closes the Emitter.
//
//	tr, err := tracker.NewWithCollector("ns", "my-app", "https://collector.example.com", nil,
//	    tracker.WithPipelineOptions(pipeline.WithBatchSize(50)))
//	if err != nil {
//	    return err
//	}
//	defer tr.Close()
func NewWithCollector(namespace, appID, collectorURL string, subject *Subject, opts ...Option) (*Tracker, error) {
	t := New(namespace, appID, nil, subject, opts...)

	cfg := pipeline.DefaultConfig()
	cfg.CollectorEndpoint = collectorURL
	em, err := pipeline.New(cfg, append([]pipeline.Option{pipeline.WithLogger(t.logger)}, t.pipelineOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create emitter: %w", err)
	}
	t.emitter = em
	return t, nil
}

// Namespace returns the tracker namespace.
func (t *Tracker) Namespace() string { return t.namespace }

// AppID returns the application id.
func (t *Tracker) AppID() string { return t.appID }

// Subject returns the tracker-level subject.
func (t *Tracker) Subject() Subject {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subject
}

// SetSubject replaces the tracker-level subject for subsequent events.
func (t *Tracker) SetSubject(s Subject) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subject = s
}

// Track builds the payload for ev and adds it to the emitter. It returns the
// event id on success.
//
// Errors are ErrInvalidEvent (wrapped) for a malformed event, or whatever the
// emitter's Add returned, e.g. pipeline.ErrBackpressure.
func (t *Tracker) Track(ev Event, contexts ...payload.SelfDescribingJSON) (uuid.UUID, error) {
	if ev == nil {
		return uuid.Nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	id := uuid.New()
	p := payload.Payload{
		"p":                t.platform,
		"tv":               Version,
		payload.KeyEventID: id.String(),
		"dtm":              strconv.FormatInt(t.now().UnixMilli(), 10),
		"aid":              t.appID,
		"tna":              t.namespace,
	}

	if len(contexts) > 0 {
		co, err := json.Marshal(payload.SelfDescribingJSON{Schema: payload.ContextsSchema, Data: contexts})
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: contexts: %v", ErrInvalidEvent, err)
		}
		p["co"] = string(co)
	}

	if err := ev.addTo(p); err != nil {
		return uuid.Nil, err
	}

	subject := t.Subject()
	if s := ev.eventSubject(); s != nil {
		subject = s.Merge(subject)
	}
	subject.addTo(p)

	if err := t.emitter.Add(p); err != nil {
		t.logger.Warn("event not accepted by emitter",
			zap.String("eid", id.String()),
			zap.String("e", p["e"]),
			zap.Error(err))
		return uuid.Nil, err
	}
	t.logger.Debug("event tracked", zap.String("eid", id.String()), zap.String("e", p["e"]))
	return id, nil
}

// Flush waits for every tracked event to be delivered or dropped.
func (t *Tracker) Flush() error {
	return t.emitter.Flush()
}

// Close closes the emitter, delivering everything still pending.
func (t *Tracker) Close() error {
	return t.emitter.Close()
}

// IsInvalidEvent reports whether err came from a malformed event rather than
// the emitter.
func IsInvalidEvent(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}
