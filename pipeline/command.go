package pipeline

import (
	"github.com/dshills/eventpipe/pipeline/payload"
)

type commandKind int

const (
	cmdAdd commandKind = iota
	cmdFlush
	cmdClose
)

func (k commandKind) String() string {
	switch k {
	case cmdAdd:
		return "add"
	case cmdFlush:
		return "flush"
	case cmdClose:
		return "close"
	default:
		return "unknown"
	}
}

// command travels from a producer to the worker. Once sent, the worker owns
// it exclusively.
type command struct {
	kind    commandKind
	payload payload.Payload // cmdAdd
	reply   chan error      // cmdFlush; buffered, receives exactly one value
}

// checkpoint is a pending Flush. It is satisfied once every payload with a
// sequence number <= target has left the store.
type checkpoint struct {
	target uint64
	reply  chan error
}

// dropTally accumulates drops between flush resolutions. Each resolved Flush,
// and finally Close, reports and resets it.
type dropTally struct {
	dropped int
	reasons map[string]int
}

func (t *dropTally) add(n int, reason string) {
	if n == 0 {
		return
	}
	if t.reasons == nil {
		t.reasons = make(map[string]int)
	}
	t.dropped += n
	t.reasons[reason] += n
}

// take returns a *DeliveryError for the tallied drops, or nil, and resets
// the tally.
func (t *dropTally) take() error {
	if t.dropped == 0 {
		return nil
	}
	err := &DeliveryError{Dropped: t.dropped, Reasons: t.reasons}
	*t = dropTally{}
	return err
}
