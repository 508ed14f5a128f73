// Package payload defines the units of data that flow through the emission
// pipeline: individual event payloads, the batches they are grouped into, and
// the self-describing envelope a batch is wrapped in for the collector.
package payload

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Schema URIs understood by the collector.
const (
	// PayloadDataSchema describes the envelope wrapping a batch of payloads.
	PayloadDataSchema = "iglu:com.snowplowanalytics.snowplow/payload_data/jsonschema/1-0-4"

	// ContextsSchema describes the array of context entities attached to an event.
	ContextsSchema = "iglu:com.snowplowanalytics.snowplow/contexts/jsonschema/1-0-1"

	// UnstructEventSchema describes the wrapper around a self-describing event.
	UnstructEventSchema = "iglu:com.snowplowanalytics.snowplow/unstruct_event/jsonschema/1-0-0"
)

// Well-known payload keys used by the pipeline itself.
const (
	KeyEventID  = "eid"
	KeySentTime = "stm"
)

// Payload is one already-serialized event: a flat string map in the shape the
// collector expects for payload_data entries.
//
// A Payload is treated as immutable once handed to the pipeline. The store
// keeps its own copy, so callers may reuse the map after Add returns.
type Payload map[string]string

// Clone returns a shallow copy of the payload. A nil payload clones to an
// empty, non-nil map.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// EventID returns the payload's event identifier, or "" if it has none.
func (p Payload) EventID() string {
	return p[KeyEventID]
}

// SelfDescribingJSON pairs a schema URI with data that conforms to it.
type SelfDescribingJSON struct {
	Schema string      `json:"schema"`
	Data   interface{} `json:"data"`
}

// Item is a payload together with the sequence number the store assigned to
// it on enqueue. Sequence numbers increase strictly in arrival order.
type Item struct {
	Seq     uint64
	Payload Payload
}

// Batch is an ordered group of payloads delivered in a single attempt.
//
// Attempt counts how many delivery attempts have already been made for the
// batch; it is zero when the batch is first taken from the store and is
// incremented by the worker each time the batch is scheduled for retry.
type Batch struct {
	ID      uuid.UUID
	Items   []Item
	Attempt int
}

// NewBatch creates a batch with a fresh identifier.
func NewBatch(items []Item) Batch {
	return Batch{ID: uuid.New(), Items: items}
}

// Len returns the number of payloads in the batch.
func (b Batch) Len() int {
	return len(b.Items)
}

// Payloads returns the batch's payloads in order.
func (b Batch) Payloads() []Payload {
	out := make([]Payload, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Payload
	}
	return out
}

// EventIDs returns the event id of every payload that carries one.
func (b Batch) EventIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		if id := it.Payload.EventID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// LastSeq returns the highest sequence number in the batch, or 0 if empty.
func (b Batch) LastSeq() uint64 {
	if len(b.Items) == 0 {
		return 0
	}
	return b.Items[len(b.Items)-1].Seq
}

// NewEnvelope wraps a batch in the payload_data self-describing envelope.
//
// Every payload is copied and stamped with the sent timestamp (stm) in
// milliseconds since the epoch, so the stored payloads are never mutated and
// each retry carries its own send time.
func NewEnvelope(b Batch, sentAt time.Time) SelfDescribingJSON {
	stm := strconv.FormatInt(sentAt.UnixMilli(), 10)
	data := make([]Payload, len(b.Items))
	for i, it := range b.Items {
		p := it.Payload.Clone()
		p[KeySentTime] = stm
		data[i] = p
	}
	return SelfDescribingJSON{Schema: PayloadDataSchema, Data: data}
}
