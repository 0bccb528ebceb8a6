package replay

import "github.com/brktrace/brktrace/internal/heapmap"

// Snapshot is an immutable, self-contained projection of replay state at
// one logical timestamp (or at end of trace, when Final is set). Every
// slice here is the decoder's own copy; later decoding never mutates a
// Snapshot already handed to a caller.
type Snapshot struct {
	Timestamp int64
	Final     bool

	Events      []Event
	FragSamples []heapmap.Ratios
	BrkEvents   []Event
	Layout      heapmap.Layout

	// State is sufficient to Resume decoding exactly where this
	// Snapshot left off, given the same trace buffer and NextIdx.
	State   *State
	NextIdx int
}

func (d *Decoder) currentLayout() heapmap.Layout {
	if d.ctx.BrkBase == nil || d.ctx.CurrentBrk == nil {
		return heapmap.Layout{}
	}
	return d.ctx.Heap.SnapshotLayout(*d.ctx.BrkBase, *d.ctx.CurrentBrk)
}

func (d *Decoder) buildSnapshot(target int64) *Snapshot {
	return &Snapshot{
		Timestamp:   target,
		Events:      cloneEvents(d.events),
		FragSamples: append([]heapmap.Ratios{}, d.fragSamples...),
		BrkEvents:   cloneEvents(d.brkEvents),
		Layout:      d.currentLayout(),
		State:       d.ctx.Save(),
		NextIdx:     d.pos,
	}
}

// finish marks the decoder done and returns the terminal "final" snapshot.
func (d *Decoder) finish() *Snapshot {
	d.done = true
	return &Snapshot{
		Final:       true,
		Events:      cloneEvents(d.events),
		FragSamples: append([]heapmap.Ratios{}, d.fragSamples...),
		BrkEvents:   cloneEvents(d.brkEvents),
		Layout:      d.currentLayout(),
		State:       d.ctx.Save(),
		NextIdx:     d.pos,
	}
}
