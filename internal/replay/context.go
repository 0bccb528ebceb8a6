package replay

import (
	"sort"

	"github.com/brktrace/brktrace/internal/frame"
	"github.com/brktrace/brktrace/internal/heapmap"
)

// AllocMeta records when and where (by output event index) a live
// allocation was emitted, so the matching free can back-patch it.
type AllocMeta struct {
	Timestamp  int64
	EventIndex int
}

// PendingKey identifies one outstanding call awaiting its return.
type PendingKey struct {
	TID    uint32
	OpCode uint8
}

// PendingCall is the stashed state of an unmatched call record: its
// arguments, invocation timestamp, and the call stack captured at the
// call site, which is the one the eventual event carries.
type PendingCall struct {
	Arg1, Arg2 uint64
	Timestamp  int64
	Path       frame.Path
}

// Context is the parser's live state. It owns the frame table and
// fragment manager plus the per-trace bookkeeping the decoder mutates
// as it walks the buffer. Context itself holds no decode logic;
// Decoder is the only mutator.
type Context struct {
	Frames *frame.Table
	Heap   *heapmap.Manager

	ActiveAllocs    map[int64]int64
	ActiveAllocMeta map[int64]AllocMeta
	PendingCalls    map[PendingKey]PendingCall

	BrkBase       *int64
	CurrentBrk    *int64
	BrkEventCount int
	TraceCounter  int64

	Filenames []string
	Funcnames []string
}

// NewContext returns an empty parser context.
func NewContext() *Context {
	return &Context{
		Frames:          frame.NewTable(),
		Heap:            heapmap.New(),
		ActiveAllocs:    make(map[int64]int64),
		ActiveAllocMeta: make(map[int64]AllocMeta),
		PendingCalls:    make(map[PendingKey]PendingCall),
	}
}

// AllocEntry is one live allocation in serialized form.
type AllocEntry struct {
	Addr int64
	Size int64
	Meta AllocMeta
}

// PendingEntry is one outstanding call in serialized form.
type PendingEntry struct {
	Key  PendingKey
	Call PendingCall
}

// State is the serializable, restorable projection of a Context: a
// separate struct distinct from the live context, so a returned
// snapshot is never aliased to state the decoder goes on to mutate.
// The context's maps are flattened to sorted slices here: msgpack
// round-trips slices of structs cleanly where struct-keyed maps are
// awkward, and sorting keeps the persisted bytes deterministic across
// runs.
type State struct {
	Frames    []frame.Frame
	Intervals []heapmap.Fragment
	Stats     heapmap.Stats

	Allocs       []AllocEntry
	PendingCalls []PendingEntry

	BrkBase       *int64
	CurrentBrk    *int64
	BrkEventCount int
	TraceCounter  int64

	Filenames []string
	Funcnames []string
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Save produces an independent State snapshot of ctx, fit to persist or
// to hand to a caller who must not observe later mutation of ctx.
func (ctx *Context) Save() *State {
	s := &State{
		Frames:        ctx.Frames.Frames(),
		Intervals:     ctx.Heap.Intervals(),
		Stats:         ctx.Heap.Stats(),
		Allocs:        make([]AllocEntry, 0, len(ctx.ActiveAllocs)),
		PendingCalls:  make([]PendingEntry, 0, len(ctx.PendingCalls)),
		BrkBase:       clonePtr(ctx.BrkBase),
		CurrentBrk:    clonePtr(ctx.CurrentBrk),
		BrkEventCount: ctx.BrkEventCount,
		TraceCounter:  ctx.TraceCounter,
		Filenames:     append([]string{}, ctx.Filenames...),
		Funcnames:     append([]string{}, ctx.Funcnames...),
	}
	for addr, size := range ctx.ActiveAllocs {
		s.Allocs = append(s.Allocs, AllocEntry{Addr: addr, Size: size, Meta: ctx.ActiveAllocMeta[addr]})
	}
	sort.Slice(s.Allocs, func(i, j int) bool { return s.Allocs[i].Addr < s.Allocs[j].Addr })
	for k, v := range ctx.PendingCalls {
		v.Path = v.Path.Clone()
		s.PendingCalls = append(s.PendingCalls, PendingEntry{Key: k, Call: v})
	}
	sort.Slice(s.PendingCalls, func(i, j int) bool {
		a, b := s.PendingCalls[i].Key, s.PendingCalls[j].Key
		if a.TID != b.TID {
			return a.TID < b.TID
		}
		return a.OpCode < b.OpCode
	})
	return s
}

// Restore rebuilds a live Context from a saved State. Frame IDs stay
// stable: Frames is ID-ordered, and frame.Restore rebuilds the reverse
// map from it.
func Restore(s *State) *Context {
	ctx := &Context{
		Frames:          frame.Restore(s.Frames),
		Heap:            heapmap.Restore(s.Intervals, s.Stats),
		ActiveAllocs:    make(map[int64]int64, len(s.Allocs)),
		ActiveAllocMeta: make(map[int64]AllocMeta, len(s.Allocs)),
		PendingCalls:    make(map[PendingKey]PendingCall, len(s.PendingCalls)),
		BrkBase:         clonePtr(s.BrkBase),
		CurrentBrk:      clonePtr(s.CurrentBrk),
		BrkEventCount:   s.BrkEventCount,
		TraceCounter:    s.TraceCounter,
		Filenames:       append([]string{}, s.Filenames...),
		Funcnames:       append([]string{}, s.Funcnames...),
	}
	for _, e := range s.Allocs {
		ctx.ActiveAllocs[e.Addr] = e.Size
		ctx.ActiveAllocMeta[e.Addr] = e.Meta
	}
	for _, e := range s.PendingCalls {
		e.Call.Path = e.Call.Path.Clone()
		ctx.PendingCalls[e.Key] = e.Call
	}
	return ctx
}
