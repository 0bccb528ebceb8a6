// Package frame interns call-stack frames to dense integer IDs.
//
// A Frame is the (file, func, line, col) tuple captured at one level of
// a call stack. Frames repeat heavily across a trace, so every frame is
// interned once and referred to thereafter by its ID. IDs are assigned
// in insertion order and never reused.
package frame

// Frame identifies one level of a captured call stack.
type Frame struct {
	File string
	Func string
	Line int32
	Col  int32
}

// ID is a dense, non-negative, never-reused frame identifier.
type ID int32

// Table interns Frames to IDs and back. The zero value is not usable;
// use NewTable.
type Table struct {
	byValue map[Frame]ID
	byID    []Frame
}

// NewTable returns an empty frame table.
func NewTable() *Table {
	return &Table{byValue: make(map[Frame]ID)}
}

// Intern returns f's ID, assigning the next unused ID on first sight.
func (t *Table) Intern(f Frame) ID {
	if id, ok := t.byValue[f]; ok {
		return id
	}
	id := ID(len(t.byID))
	t.byValue[f] = id
	t.byID = append(t.byID, f)
	return id
}

// Lookup returns the Frame for id, or false if id was never interned.
func (t *Table) Lookup(id ID) (Frame, bool) {
	if id < 0 || int(id) >= len(t.byID) {
		return Frame{}, false
	}
	return t.byID[id], true
}

// Len reports the number of distinct frames interned so far.
func (t *Table) Len() int {
	return len(t.byID)
}

// Frames returns all interned frames, ordered by ID. The slice is owned by
// the caller; Table retains no reference to it.
func (t *Table) Frames() []Frame {
	out := make([]Frame, len(t.byID))
	copy(out, t.byID)
	return out
}

// Clone returns a deep copy of t, independent of further mutation to t.
func (t *Table) Clone() *Table {
	c := &Table{
		byValue: make(map[Frame]ID, len(t.byValue)),
		byID:    make([]Frame, len(t.byID)),
	}
	copy(c.byID, t.byID)
	for k, v := range t.byValue {
		c.byValue[k] = v
	}
	return c
}

// Restore rebuilds a Table from a saved, ID-ordered list of frames. The
// reverse (value->ID) map is rebuilt eagerly from this list, so the
// restored Table supports both Lookup and Intern immediately.
func Restore(frames []Frame) *Table {
	t := &Table{byID: make([]Frame, len(frames))}
	copy(t.byID, frames)
	t.byValue = make(map[Frame]ID, len(frames))
	for id, f := range t.byID {
		t.byValue[f] = ID(id)
	}
	return t
}

// Path is an ordered sequence of frame IDs, innermost frame first.
type Path []ID

// Truncate returns path capped to at most depth frames, keeping the
// innermost ones. depth < 0 means no truncation.
func Truncate(path Path, depth int) Path {
	if depth < 0 || len(path) <= depth {
		return path
	}
	return path[:depth]
}

// Clone returns a copy of path independent of further mutation.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}
