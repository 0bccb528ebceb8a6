// Package replay implements the trace decoder and its parser context:
// the component that pulls framed records out of a decompressed trace
// buffer, reconstructs call/return pairings, and drives the frame table
// and fragment manager as it goes.
//
// The decoder is a pull-driven iterator, not a channel-backed
// generator. Decoding is single-threaded and synchronous: each
// NextSnapshot call advances the walk until the next requested
// timestamp is crossed or the buffer ends, so abandoning the decoder
// leaks nothing and resuming from a persisted state needs no
// goroutine handshake.
package replay

import (
	"encoding/binary"
	"fmt"
	"log"
	"sort"

	"github.com/brktrace/brktrace/internal/frame"
	"github.com/brktrace/brktrace/internal/heapmap"
)

const (
	headerSize = 31 // u8 tag, u32 tid, u64 arg1, u64 arg2, i64 ts, u16 depth
	frameSize  = 16 // u32 file_idx, u32 func_idx, i32 line, i32 col
)

const (
	recordFilename = 0x00
	recordFuncname = 0x01
)

// Config is the subset of recognised options the core consumes. It is
// constructed once by the caller and threaded through explicitly,
// never read from a process-wide singleton.
type Config struct {
	// CallstackDepth truncates every decoded path to this many innermost
	// frames. Negative means no truncation.
	CallstackDepth int
	// SkipCPP drops NEW/NEW[]/DELETE*/DELETE[] records entirely.
	SkipCPP bool
	// LogInterval emits a progress log every N raw records. Zero disables it.
	LogInterval int
}

type header struct {
	Tag       uint8
	TID       uint32
	Arg1      uint64
	Arg2      uint64
	Timestamp int64
	Depth     uint16
}

func decodeHeader(b []byte) header {
	return header{
		Tag:       b[0],
		TID:       binary.LittleEndian.Uint32(b[1:5]),
		Arg1:      binary.LittleEndian.Uint64(b[5:13]),
		Arg2:      binary.LittleEndian.Uint64(b[13:21]),
		Timestamp: int64(binary.LittleEndian.Uint64(b[21:29])),
		Depth:     binary.LittleEndian.Uint16(b[29:31]),
	}
}

// Decoder walks a trace buffer forward, emitting Snapshots at the
// caller's requested timestamps and once more at end of buffer.
type Decoder struct {
	buf []byte
	pos int

	ctx *Context
	cfg Config

	targets []int64 // remaining snapshot targets, ascending
	done    bool

	events      []Event
	fragSamples []heapmap.Ratios
	brkEvents   []Event
}

// NewDecoder starts a fresh decode of buf from offset 0 with an empty
// context. targets need not be sorted; NewDecoder sorts its own copy.
func NewDecoder(buf []byte, cfg Config, targets []int64) *Decoder {
	return &Decoder{
		buf:     buf,
		ctx:     NewContext(),
		cfg:     cfg,
		targets: sortedCopy(targets),
	}
}

// Resume continues a previously saved decode from snap: buf is the same
// trace buffer (or an equivalent decompression of it), and targets are
// the caller's remaining, not-yet-reached snapshot targets. The
// snapshot's accumulated event and sample lists carry over, so the
// final snapshot of a resumed run covers the whole trace rather than
// just the tail, and the alloc-event indexes recorded for free
// back-patching stay valid.
func Resume(buf []byte, cfg Config, targets []int64, snap *Snapshot) *Decoder {
	return &Decoder{
		buf:         buf,
		pos:         snap.NextIdx,
		ctx:         Restore(snap.State),
		cfg:         cfg,
		targets:     sortedCopy(targets),
		events:      cloneEvents(snap.Events),
		fragSamples: append([]heapmap.Ratios{}, snap.FragSamples...),
		brkEvents:   cloneEvents(snap.BrkEvents),
	}
}

func sortedCopy(ts []int64) []int64 {
	out := append([]int64{}, ts...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Done reports whether the decoder has already yielded its final
// snapshot; NextSnapshot must not be called again afterward.
func (d *Decoder) Done() bool { return d.done }

// NextSnapshot advances the decode until either the next requested
// timestamp is crossed or the buffer is exhausted, and returns the
// resulting Snapshot. Call it repeatedly until Done reports true; the
// last Snapshot returned has Final set.
func (d *Decoder) NextSnapshot() (*Snapshot, error) {
	if d.done {
		return nil, fmt.Errorf("replay: NextSnapshot called after final snapshot")
	}

	for d.pos < len(d.buf) {
		eventStart := d.pos
		tag := d.buf[d.pos]

		if tag == recordFilename || tag == recordFuncname {
			ok := d.decodeStringEntry(tag)
			if !ok {
				d.pos = eventStart
				return d.finish(), nil
			}
			continue
		}

		if d.pos+headerSize > len(d.buf) {
			log.Printf("brktrace: truncated event header at offset %d", d.pos)
			d.pos = eventStart
			return d.finish(), nil
		}
		hdr := decodeHeader(d.buf[d.pos : d.pos+headerSize])

		if len(d.targets) > 0 && hdr.Timestamp > d.targets[0] {
			target := d.targets[0]
			d.targets = d.targets[1:]
			d.pos = eventStart
			return d.buildSnapshot(target), nil
		}

		// Counted only past the snapshot boundary, so a record peeked at,
		// rewound and re-read after a yield is counted once.
		d.ctx.TraceCounter++

		if d.cfg.LogInterval > 0 && d.ctx.TraceCounter%int64(d.cfg.LogInterval) == 0 {
			log.Printf("brktrace: decoded %d records (event #%d, ts=%d)", d.ctx.TraceCounter, len(d.events), hdr.Timestamp)
		}

		bodyStart := d.pos + headerSize
		path, ok := d.decodeCallstack(bodyStart, hdr.Depth)
		if !ok {
			d.pos = eventStart
			return d.finish(), nil
		}
		path = frame.Truncate(path, d.cfg.CallstackDepth)

		opCode := hdr.Tag >> 1
		isReturn := hdr.Tag&1 != 0
		info := opInfoFor(opCode)

		if d.cfg.SkipCPP && cppOps[info.Name] {
			continue
		}

		if !isReturn && !info.NeedReturn {
			switch {
			case allocOps[info.Name]:
				d.handleAlloc(hdr.Timestamp, int64(hdr.Arg2), int64(hdr.Arg1), path)
			case freeOps[info.Name]:
				d.handleFree(hdr.Timestamp, int64(hdr.Arg1), path)
			}
			continue
		}

		key := PendingKey{TID: hdr.TID, OpCode: opCode}
		if !isReturn {
			d.ctx.PendingCalls[key] = PendingCall{Arg1: hdr.Arg1, Arg2: hdr.Arg2, Timestamp: hdr.Timestamp, Path: path}
			continue
		}

		call, ok := d.ctx.PendingCalls[key]
		if !ok {
			log.Printf("brktrace: unmatched return (tag=%d tid=%d opcode=%d)", hdr.Tag, hdr.TID, opCode)
			continue
		}
		delete(d.ctx.PendingCalls, key)

		// The emitted event carries the call site's stack, not the
		// return record's, paired with the return's timestamp.
		switch info.Name {
		case "REALLOC":
			d.handleFree(hdr.Timestamp, int64(call.Arg1), call.Path)
			d.handleAlloc(hdr.Timestamp, int64(hdr.Arg1), int64(call.Arg2), call.Path)
		case "MALLOC", "VALLOC", "NEW", "NEW[]":
			d.handleAlloc(hdr.Timestamp, int64(hdr.Arg1), int64(call.Arg1), call.Path)
		case "CALLOC":
			d.handleAlloc(hdr.Timestamp, int64(hdr.Arg1), int64(call.Arg1)*int64(call.Arg2), call.Path)
		case "FREE", "DELETE_LEGACY", "DELETE", "DELETE[]":
			d.handleFree(hdr.Timestamp, int64(call.Arg1), call.Path)
		case "BRK":
			d.handleBrk(hdr.Timestamp, int64(hdr.Arg1), call.Path)
		}
	}

	return d.finish(), nil
}

func (d *Decoder) decodeStringEntry(tag uint8) bool {
	if d.pos+3 > len(d.buf) {
		log.Printf("brktrace: truncated string-table length at offset %d", d.pos)
		return false
	}
	nameLen := int(binary.LittleEndian.Uint16(d.buf[d.pos+1 : d.pos+3]))
	if d.pos+3+nameLen > len(d.buf) {
		log.Printf("brktrace: truncated string-table entry at offset %d", d.pos)
		return false
	}
	name := string(d.buf[d.pos+3 : d.pos+3+nameLen])
	if tag == recordFilename {
		d.ctx.Filenames = append(d.ctx.Filenames, name)
	} else {
		d.ctx.Funcnames = append(d.ctx.Funcnames, name)
	}
	d.pos += 3 + nameLen
	return true
}

func (d *Decoder) decodeCallstack(start int, depth uint16) (frame.Path, bool) {
	path := make(frame.Path, 0, depth)
	pos := start
	for i := uint16(0); i < depth; i++ {
		if pos+frameSize > len(d.buf) {
			log.Printf("brktrace: truncated stack frame at offset %d (record #%d)", pos, d.ctx.TraceCounter)
			return nil, false
		}
		b := d.buf[pos : pos+frameSize]
		fileIdx := binary.LittleEndian.Uint32(b[0:4])
		funcIdx := binary.LittleEndian.Uint32(b[4:8])
		line := int32(binary.LittleEndian.Uint32(b[8:12]))
		col := int32(binary.LittleEndian.Uint32(b[12:16]))
		f := frame.Frame{
			File: d.lookupFilename(fileIdx),
			Func: d.lookupFuncname(funcIdx),
			Line: line,
			Col:  col,
		}
		path = append(path, d.ctx.Frames.Intern(f))
		pos += frameSize
	}
	d.pos = pos
	return path, true
}

func (d *Decoder) lookupFilename(idx uint32) string {
	if int(idx) < len(d.ctx.Filenames) {
		return d.ctx.Filenames[idx]
	}
	return fmt.Sprintf("<unknown_file_%d>", idx)
}

func (d *Decoder) lookupFuncname(idx uint32) string {
	if int(idx) < len(d.ctx.Funcnames) {
		return d.ctx.Funcnames[idx]
	}
	return fmt.Sprintf("<unknown_func_%d>", idx)
}

func (d *Decoder) isInBrkHeap(addr int64) bool {
	return d.ctx.BrkBase != nil && d.ctx.CurrentBrk != nil &&
		addr >= *d.ctx.BrkBase && addr < *d.ctx.CurrentBrk
}

func formatRange(addr, size int64, brkBase *int64) string {
	if brkBase != nil && addr >= *brkBase {
		start := addr - *brkBase
		return fmt.Sprintf("%d-%d", start, start+size)
	}
	return fmt.Sprintf("%#x-%#x", addr, addr+size)
}

func (d *Decoder) handleAlloc(ts, addr, size int64, path frame.Path) {
	if size <= 0 {
		return
	}
	ev := Event{
		Time:          ts,
		Operation:     OpAlloc,
		Range:         formatRange(addr, size, d.ctx.BrkBase),
		Size:          size,
		CallstackPath: path.Clone(),
	}
	d.events = append(d.events, ev)
	idx := len(d.events) - 1
	d.ctx.ActiveAllocs[addr] = size
	d.ctx.ActiveAllocMeta[addr] = AllocMeta{Timestamp: ts, EventIndex: idx}

	if d.isInBrkHeap(addr) {
		d.ctx.Heap.Update(addr, size, heapmap.UpdateUsed)
		d.fragSamples = append(d.fragSamples, d.ctx.Heap.Ratios(ts, true))
	}
}

func (d *Decoder) handleFree(ts, addr int64, path frame.Path) {
	size, ok := d.ctx.ActiveAllocs[addr]
	if !ok || size <= 0 {
		return
	}
	meta, hasMeta := d.ctx.ActiveAllocMeta[addr]

	ev := Event{
		Time:          ts,
		Operation:     OpFree,
		Range:         formatRange(addr, size, d.ctx.BrkBase),
		Size:          size,
		CallstackPath: path.Clone(),
	}
	if hasMeta {
		allocAt := meta.Timestamp
		ev.AllocAt = &allocAt
	}
	d.events = append(d.events, ev)

	if hasMeta && meta.EventIndex < len(d.events) {
		freeAt := ts
		d.events[meta.EventIndex].FreeAt = &freeAt
	}

	if d.isInBrkHeap(addr) {
		d.ctx.Heap.Update(addr, size, heapmap.UpdateFree)
		d.fragSamples = append(d.fragSamples, d.ctx.Heap.Ratios(ts, true))
	}

	delete(d.ctx.ActiveAllocs, addr)
	delete(d.ctx.ActiveAllocMeta, addr)
}

func (d *Decoder) handleBrk(ts, newBrk int64, path frame.Path) {
	if d.ctx.BrkBase == nil {
		base, cur := int64(0), int64(0)
		d.ctx.BrkBase = &base
		d.ctx.CurrentBrk = &cur
	}
	previousBrk := *d.ctx.CurrentBrk

	switch {
	case newBrk > previousBrk:
		d.ctx.Heap.Update(previousBrk, newBrk-previousBrk, heapmap.UpdateFree)
	case newBrk < previousBrk:
		d.ctx.Heap.Update(newBrk, previousBrk-newBrk, heapmap.UpdateRemove)
	}
	*d.ctx.CurrentBrk = newBrk

	rangeStr := fmt.Sprintf("%d-%d", previousBrk-*d.ctx.BrkBase, newBrk-*d.ctx.BrkBase)
	ev := Event{
		Time:          ts,
		Operation:     OpBrk,
		Range:         rangeStr,
		Size:          newBrk - previousBrk,
		CallstackPath: path.Clone(),
	}
	d.events = append(d.events, ev)
	d.brkEvents = append(d.brkEvents, ev)
	d.ctx.BrkEventCount++
	d.fragSamples = append(d.fragSamples, d.ctx.Heap.Ratios(ts, true))
}
