// Package heapmap models the brk heap as a sorted, non-overlapping set
// of half-open intervals, each carrying a used/free status, and
// maintains running aggregate statistics in O(1) amortized per update.
//
// The interval set is a flat, sorted slice searched with binary search
// and spliced in place, rather than a balanced tree. The heap is
// walked by a single forward-moving decoder, so the slice never needs
// concurrent access.
package heapmap

import "sort"

// Status is the occupancy of a Fragment.
type Status uint8

const (
	// Free marks unallocated heap space.
	Free Status = iota
	// Used marks space backing a live allocation.
	Used
)

func (s Status) String() string {
	if s == Used {
		return "used"
	}
	return "free"
}

// UpdateStatus is the status an Update call assigns to its range.
// Remove excises the range instead of assigning it a status; it exists
// only to express a brk shrink.
type UpdateStatus uint8

const (
	// UpdateUsed marks [addr,addr+size) used.
	UpdateUsed UpdateStatus = iota
	// UpdateFree marks [addr,addr+size) free.
	UpdateFree
	// UpdateRemove excises [addr,addr+size) entirely (heap shrink).
	UpdateRemove
)

// Fragment is a maximal half-open interval of one status.
type Fragment struct {
	Start, End int64
	Status     Status
}

func (f Fragment) length() int64 { return f.End - f.Start }

// Stats are the running aggregates over the current interval set.
type Stats struct {
	TotalUsed   int64
	TotalFree   int64
	UsedCount   int
	FreeCount   int
	LargestFree int64
}

// Manager owns the sorted interval list and its running aggregates.
//
// Invariants (checked by the test suite, not at runtime, to keep Update
// allocation-free on the hot path):
//   - intervals is sorted by Start and pairwise non-overlapping.
//   - no two adjacent intervals both have Status == Free.
//   - sum of interval lengths == last interval's End - first interval's Start,
//     once any interval exists.
type Manager struct {
	intervals []Fragment

	stats Stats
	// dirty is set when an Update invalidates the cached LargestFree
	// without being able to re-derive it locally; the next Ratios/Stats
	// observer triggers a full O(N) rescan of free intervals.
	dirty bool
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

// Stats returns the current running aggregates, resolving any pending
// full rescan first.
func (m *Manager) Stats() Stats {
	m.resolveDirty()
	return m.stats
}

// Intervals returns a copy of the current interval list, ordered by Start.
func (m *Manager) Intervals() []Fragment {
	out := make([]Fragment, len(m.intervals))
	copy(out, m.intervals)
	return out
}

// Clone returns a deep copy of m, independent of further mutation to m.
func (m *Manager) Clone() *Manager {
	c := &Manager{
		intervals: make([]Fragment, len(m.intervals)),
		stats:     m.stats,
		dirty:     m.dirty,
	}
	copy(c.intervals, m.intervals)
	return c
}

// Restore rebuilds a Manager directly from a saved interval list and
// stats, skipping the rescan Update would otherwise require.
func Restore(intervals []Fragment, stats Stats) *Manager {
	m := &Manager{
		intervals: make([]Fragment, len(intervals)),
		stats:     stats,
	}
	copy(m.intervals, intervals)
	return m
}

func (m *Manager) resolveDirty() {
	if !m.dirty {
		return
	}
	m.dirty = false
	var largest int64
	for _, f := range m.intervals {
		if f.Status == Free {
			if l := f.length(); l > largest {
				largest = l
			}
		}
	}
	m.stats.LargestFree = largest
}

// indexContaining returns the index of the interval containing addr, or
// the index at which an interval covering addr would be inserted if none
// does (i.e. the first interval whose End > addr).
func (m *Manager) indexContaining(addr int64) int {
	return sort.Search(len(m.intervals), func(i int) bool {
		return m.intervals[i].End > addr
	})
}

func (m *Manager) remove(i int) Fragment {
	f := m.intervals[i]
	switch f.Status {
	case Used:
		m.stats.TotalUsed -= f.length()
		m.stats.UsedCount--
	case Free:
		m.stats.TotalFree -= f.length()
		m.stats.FreeCount--
		if f.length() == m.stats.LargestFree {
			m.dirty = true
		}
	}
	return f
}

func (m *Manager) add(f Fragment) {
	if f.Start >= f.End {
		return
	}
	switch f.Status {
	case Used:
		m.stats.TotalUsed += f.length()
		m.stats.UsedCount++
	case Free:
		m.stats.TotalFree += f.length()
		m.stats.FreeCount++
		if !m.dirty && f.length() > m.stats.LargestFree {
			m.stats.LargestFree = f.length()
		}
	}
}

// Update applies status to the half-open range [addr, addr+size):
// locate the affected run of intervals, peel off left/right residuals
// that stick out past the updated range, replace the covered middle
// with one new interval (or nothing, for Remove), then coalesce
// adjacent Free intervals on both sides.
func (m *Manager) Update(addr, size int64, status UpdateStatus) {
	if size <= 0 {
		return
	}
	end := addr + size

	// The affected run is [lo, spliceEnd): lo is the interval containing
	// addr (or len(intervals) if addr is at the current right edge, as
	// happens when a brk grows the heap past all existing coverage);
	// spliceEnd is the first interval starting at or past end.
	lo := m.indexContaining(addr)
	spliceEnd := lo
	for spliceEnd < len(m.intervals) && m.intervals[spliceEnd].Start < end {
		spliceEnd++
	}

	var replacement []Fragment

	if lo < spliceEnd && m.intervals[lo].Start < addr {
		replacement = append(replacement, Fragment{Start: m.intervals[lo].Start, End: addr, Status: m.intervals[lo].Status})
	}

	switch status {
	case UpdateUsed:
		replacement = append(replacement, Fragment{Start: addr, End: end, Status: Used})
	case UpdateFree:
		replacement = append(replacement, Fragment{Start: addr, End: end, Status: Free})
	case UpdateRemove:
		// nothing emitted: the range is excised.
	}

	if spliceEnd > lo && m.intervals[spliceEnd-1].End > end {
		last := m.intervals[spliceEnd-1]
		replacement = append(replacement, Fragment{Start: end, End: last.End, Status: last.Status})
	}

	// Subtract stats contribution of every interval actually being spliced out.
	for i := lo; i < spliceEnd; i++ {
		m.remove(i)
	}

	// Coalesce free pieces: left outside neighbour, within replacement,
	// right outside neighbour.
	replacement = coalesceFree(replacement)
	if lo > 0 && len(replacement) > 0 && replacement[0].Status == Free && m.intervals[lo-1].Status == Free && m.intervals[lo-1].End == replacement[0].Start {
		left := m.remove(lo - 1)
		replacement[0].Start = left.Start
		lo--
	}
	if len(replacement) > 0 {
		last := &replacement[len(replacement)-1]
		if spliceEnd < len(m.intervals) && last.Status == Free && m.intervals[spliceEnd].Status == Free && m.intervals[spliceEnd].Start == last.End {
			right := m.remove(spliceEnd)
			last.End = right.End
			spliceEnd++
		}
	}

	tail := append([]Fragment{}, m.intervals[spliceEnd:]...)
	m.intervals = append(m.intervals[:lo], replacement...)
	m.intervals = append(m.intervals, tail...)

	for _, f := range replacement {
		m.add(f)
	}
}

// coalesceFree merges adjacent Free fragments within a small, already
// sorted-by-construction slice (at most three pieces: left residual, the
// new middle piece, right residual).
func coalesceFree(fs []Fragment) []Fragment {
	if len(fs) < 2 {
		return fs
	}
	out := fs[:1]
	for _, f := range fs[1:] {
		last := &out[len(out)-1]
		if last.Status == Free && f.Status == Free && last.End == f.Start {
			last.End = f.End
			continue
		}
		out = append(out, f)
	}
	return out
}

// Ratios are derived fragmentation/free-space metrics at a point in time.
type Ratios struct {
	Timestamp          int64
	FragmentationRatio float64
	FreeRatio          float64
}

// Ratios computes the current fragmentation and free-space ratios. It is
// undefined (both values 0.0) when brkBase is absent (hasBrkBase is
// false) or the heap is currently empty.
func (m *Manager) Ratios(timestamp int64, hasBrkBase bool) Ratios {
	r := Ratios{Timestamp: timestamp}
	if !hasBrkBase {
		return r
	}
	st := m.Stats()
	total := st.TotalUsed + st.TotalFree
	if total == 0 {
		return r
	}
	r.FreeRatio = round4(float64(st.TotalFree) / float64(total))
	if st.TotalFree > 0 {
		r.FragmentationRatio = round4(1 - float64(st.LargestFree)/float64(st.TotalFree))
	}
	return r
}

func round4(f float64) float64 {
	const scale = 10000.0
	if f >= 0 {
		return float64(int64(f*scale+0.5)) / scale
	}
	return float64(int64(f*scale-0.5)) / scale
}

// LayoutEntry is one [endOffset, statusCode] pair of a compact layout
// projection, as consumed by the memory_fragments.json output document.
type LayoutEntry struct {
	EndOffset int64
	Code      int // 1 = used, 0 = free
}

// Layout is the compact projection returned by SnapshotLayout.
type Layout struct {
	Entries []LayoutEntry
	Summary Stats
}

// SnapshotLayout returns a compact projection of the intervals that fall
// within [brkBase, currentBrk), restated as offsets from brkBase, plus a
// summary of totals/counts restricted to that window.
func (m *Manager) SnapshotLayout(brkBase, currentBrk int64) Layout {
	var l Layout
	for _, f := range m.intervals {
		if f.Start < brkBase || f.Start >= currentBrk {
			continue
		}
		code := 0
		if f.Status == Used {
			code = 1
			l.Summary.TotalUsed += f.length()
			l.Summary.UsedCount++
		} else {
			l.Summary.TotalFree += f.length()
			l.Summary.FreeCount++
			if f.length() > l.Summary.LargestFree {
				l.Summary.LargestFree = f.length()
			}
		}
		l.Entries = append(l.Entries, LayoutEntry{EndOffset: f.End - brkBase, Code: code})
	}
	return l
}
