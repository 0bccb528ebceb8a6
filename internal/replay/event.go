package replay

import "github.com/brktrace/brktrace/internal/frame"

// Operation classifies an emitted Event.
type Operation string

const (
	OpAlloc Operation = "alloc"
	OpFree  Operation = "free"
	OpBrk   Operation = "brk"
)

// Event is one record of the replayed trace: an allocation, a free, or a
// brk boundary move. Range is textual: offsets from brk_base (decimal)
// when brk_base is known and the address is at or above it (whether or
// not it lies below the current brk), absolute hexadecimal otherwise.
type Event struct {
	Time          int64
	Operation     Operation
	Range         string
	Size          int64
	CallstackPath frame.Path

	// AllocAt/FreeAt back-link a matched alloc/free pair by timestamp.
	// Both are nil until the match is known.
	AllocAt *int64
	FreeAt  *int64
}

func (e Event) clone() Event {
	c := e
	c.CallstackPath = e.CallstackPath.Clone()
	if e.AllocAt != nil {
		v := *e.AllocAt
		c.AllocAt = &v
	}
	if e.FreeAt != nil {
		v := *e.FreeAt
		c.FreeAt = &v
	}
	return c
}

func cloneEvents(evs []Event) []Event {
	out := make([]Event, len(evs))
	for i, e := range evs {
		out[i] = e.clone()
	}
	return out
}
