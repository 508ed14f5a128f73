package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// Schemas of the built-in self-describing events.
const (
	ScreenViewSchema = "iglu:com.snowplowanalytics.mobile/screen_view/jsonschema/1-0-0"
	TimingSchema     = "iglu:com.snowplowanalytics.snowplow/timing/jsonschema/1-0-0"
)

// Event types ("e" field).
const (
	EventTypeStructured     = "se"
	EventTypeSelfDescribing = "ue"
)

// ErrInvalidEvent is returned by Track for an event missing a required field.
var ErrInvalidEvent = errors.New("invalid event")

// Event is something the Tracker can track. The built-in events are
// StructuredEvent, SelfDescribingEvent, ScreenViewEvent and TimingEvent;
// anything custom is a SelfDescribingEvent with its own schema.
type Event interface {
	// addTo writes the event's fields into p.
	addTo(p payload.Payload) error

	// eventSubject returns the event-level subject, or nil.
	eventSubject() *Subject
}

// StructuredEvent captures a user interaction without a custom schema.
type StructuredEvent struct {
	// Category groups the objects being tracked, e.g. "media". Required.
	Category string
	// Action is the interaction, e.g. "play-video". Required.
	Action string

	Label    string
	Property string
	Value    *float64

	Subject *Subject
}

func (e StructuredEvent) addTo(p payload.Payload) error {
	if e.Category == "" {
		return fmt.Errorf("%w: structured event requires a category", ErrInvalidEvent)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: structured event requires an action", ErrInvalidEvent)
	}
	p["e"] = EventTypeStructured
	p["se_ca"] = e.Category
	p["se_ac"] = e.Action
	setString(p, "se_la", e.Label)
	setString(p, "se_pr", e.Property)
	if e.Value != nil {
		p["se_va"] = strconv.FormatFloat(*e.Value, 'f', -1, 64)
	}
	return nil
}

func (e StructuredEvent) eventSubject() *Subject { return e.Subject }

// SelfDescribingEvent carries arbitrary data validated against Schema by the
// collector.
type SelfDescribingEvent struct {
	// Schema is an Iglu URI: iglu:{vendor}/{name}/{format}/{version}. Required.
	Schema string
	// Data must conform to Schema and be JSON-encodable.
	Data interface{}

	Subject *Subject
}

func (e SelfDescribingEvent) addTo(p payload.Payload) error {
	if e.Schema == "" {
		return fmt.Errorf("%w: self-describing event requires a schema", ErrInvalidEvent)
	}
	ue, err := json.Marshal(payload.SelfDescribingJSON{
		Schema: payload.UnstructEventSchema,
		Data:   payload.SelfDescribingJSON{Schema: e.Schema, Data: e.Data},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	p["e"] = EventTypeSelfDescribing
	p["ue_pr"] = string(ue)
	return nil
}

func (e SelfDescribingEvent) eventSubject() *Subject { return e.Subject }

// ScreenViewEvent records a user viewing a screen.
type ScreenViewEvent struct {
	// Name of the screen. Required.
	Name string
	// ID of the screen view. A new one is generated when zero.
	ID uuid.UUID

	Type           string
	PreviousName   string
	PreviousType   string
	PreviousID     uuid.UUID
	TransitionType string

	Subject *Subject
}

type screenViewData struct {
	Name           string `json:"name"`
	ID             string `json:"id"`
	Type           string `json:"type,omitempty"`
	PreviousName   string `json:"previousName,omitempty"`
	PreviousType   string `json:"previousType,omitempty"`
	PreviousID     string `json:"previousId,omitempty"`
	TransitionType string `json:"transitionType,omitempty"`
}

func (e ScreenViewEvent) addTo(p payload.Payload) error {
	if e.Name == "" {
		return fmt.Errorf("%w: screen view requires a name", ErrInvalidEvent)
	}
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	data := screenViewData{
		Name:           e.Name,
		ID:             id.String(),
		Type:           e.Type,
		PreviousName:   e.PreviousName,
		PreviousType:   e.PreviousType,
		TransitionType: e.TransitionType,
	}
	if e.PreviousID != uuid.Nil {
		data.PreviousID = e.PreviousID.String()
	}
	return SelfDescribingEvent{Schema: ScreenViewSchema, Data: data}.addTo(p)
}

func (e ScreenViewEvent) eventSubject() *Subject { return e.Subject }

// TimingEvent records how long something took.
type TimingEvent struct {
	Category string `json:"category"`
	Variable string `json:"variable"`
	// Timing is the elapsed time in milliseconds.
	Timing int64  `json:"timing"`
	Label  string `json:"label,omitempty"`

	Subject *Subject `json:"-"`
}

func (e TimingEvent) addTo(p payload.Payload) error {
	if e.Category == "" || e.Variable == "" {
		return fmt.Errorf("%w: timing event requires a category and a variable", ErrInvalidEvent)
	}
	return SelfDescribingEvent{Schema: TimingSchema, Data: e}.addTo(p)
}

func (e TimingEvent) eventSubject() *Subject { return e.Subject }
