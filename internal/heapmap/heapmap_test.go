package heapmap

import "testing"

// A lone brk grow produces one free interval covering the new space.
func TestSingleBrkGrow(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)

	ivs := m.Intervals()
	if len(ivs) != 1 || ivs[0] != (Fragment{Start: 0, End: 1000, Status: Free}) {
		t.Fatalf("intervals = %v, want one free [0,1000)", ivs)
	}

	r := m.Ratios(0, true)
	if r.FreeRatio != 1.0 || r.FragmentationRatio != 0.0 {
		t.Fatalf("ratios = %+v, want free=1.0 frag=0.0", r)
	}
}

// brk(1000); alloc(0,200); alloc(200,300); free(0,200)
// -> free[0,200), used[200,500), free[500,1000); largest_free=500.
func TestAllocAndFreeSplitIntervals(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	m.Update(0, 200, UpdateUsed)
	m.Update(200, 300, UpdateUsed)
	m.Update(0, 200, UpdateFree)

	want := []Fragment{
		{Start: 0, End: 200, Status: Free},
		{Start: 200, End: 500, Status: Used},
		{Start: 500, End: 1000, Status: Free},
	}
	got := m.Intervals()
	if !equalFragments(got, want) {
		t.Fatalf("intervals = %v, want %v", got, want)
	}

	st := m.Stats()
	if st.LargestFree != 500 {
		t.Fatalf("LargestFree = %d, want 500", st.LargestFree)
	}
}

// brk(1000); alloc(0,400); alloc(400,400); free(0,400); free(400,400)
// -> single free interval [0,1000) after coalescing; largest_free=1000.
func TestCoalescesAdjacentFree(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	m.Update(0, 400, UpdateUsed)
	m.Update(400, 400, UpdateUsed)
	m.Update(0, 400, UpdateFree)
	m.Update(400, 400, UpdateFree)

	ivs := m.Intervals()
	if len(ivs) != 1 || ivs[0] != (Fragment{Start: 0, End: 1000, Status: Free}) {
		t.Fatalf("intervals = %v, want one free [0,1000)", ivs)
	}

	r := m.Ratios(0, true)
	if r.FragmentationRatio != 0.0 {
		t.Fatalf("FragmentationRatio = %v, want 0.0", r.FragmentationRatio)
	}
	if st := m.Stats(); st.LargestFree != 1000 {
		t.Fatalf("LargestFree = %d, want 1000", st.LargestFree)
	}
}

// brk(1000); alloc(0,400); brk(800) (shrink)
// -> used[0,400), free[400,800); [800,1000) is gone.
func TestBrkShrinkExcisesTail(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	m.Update(0, 400, UpdateUsed)
	m.Update(800, 200, UpdateRemove) // shrink removes [800,1000)

	want := []Fragment{
		{Start: 0, End: 400, Status: Used},
		{Start: 400, End: 800, Status: Free},
	}
	got := m.Intervals()
	if !equalFragments(got, want) {
		t.Fatalf("intervals = %v, want %v", got, want)
	}

	st := m.Stats()
	if st.TotalUsed+st.TotalFree != 800 {
		t.Fatalf("total = %d, want 800", st.TotalUsed+st.TotalFree)
	}
}

func TestUpdateNoOpOnZeroSize(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	before := m.Intervals()
	m.Update(500, 0, UpdateUsed)
	after := m.Intervals()
	if !equalFragments(before, after) {
		t.Fatalf("zero-size update mutated intervals: %v -> %v", before, after)
	}
}

// Invariant: no two adjacent intervals are both free, under an
// interleaved sequence of allocations and frees that exercises the
// outside-neighbour coalescing branches (a merge with one neighbour,
// then a merge with both neighbours at once).
func TestNoAdjacentFreeIntervals(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	m.Update(0, 100, UpdateUsed)
	m.Update(100, 100, UpdateUsed)
	m.Update(200, 100, UpdateUsed)
	m.Update(100, 100, UpdateFree) // free the middle block; both neighbours used
	m.Update(0, 100, UpdateFree)   // free left neighbour too; should coalesce left
	m.Update(200, 100, UpdateFree) // free right neighbour; should coalesce right

	ivs := m.Intervals()
	for i := 1; i < len(ivs); i++ {
		if ivs[i-1].Status == Free && ivs[i].Status == Free {
			t.Fatalf("adjacent free intervals at %d,%d: %v", i-1, i, ivs)
		}
	}
	// Coverage invariant: everything coalesced back to one free run.
	if len(ivs) != 1 || ivs[0] != (Fragment{Start: 0, End: 1000, Status: Free}) {
		t.Fatalf("intervals = %v, want one free [0,1000)", ivs)
	}
}

// Aggregate consistency: totals and largest-free track the interval list.
func TestAggregatesMatchIntervals(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	m.Update(0, 300, UpdateUsed)
	m.Update(500, 100, UpdateUsed)

	var wantUsed, wantFree int64
	var wantLargestFree int64
	for _, f := range m.Intervals() {
		l := f.End - f.Start
		if f.Status == Used {
			wantUsed += l
		} else {
			wantFree += l
			if l > wantLargestFree {
				wantLargestFree = l
			}
		}
	}

	st := m.Stats()
	if st.TotalUsed != wantUsed || st.TotalFree != wantFree || st.LargestFree != wantLargestFree {
		t.Fatalf("stats = %+v, want used=%d free=%d largest=%d", st, wantUsed, wantFree, wantLargestFree)
	}
}

// Ratio bounds hold across a representative run, including the
// no-brk_base and no-free-space edge cases.
func TestRatioBounds(t *testing.T) {
	m := New()
	if r := m.Ratios(0, false); r.FreeRatio != 0 || r.FragmentationRatio != 0 {
		t.Fatalf("ratios without brk_base = %+v, want both 0", r)
	}

	m.Update(0, 1000, UpdateFree)
	m.Update(0, 1000, UpdateUsed) // fully used: total_free == 0
	r := m.Ratios(0, true)
	if r.FreeRatio != 0 || r.FragmentationRatio != 0 {
		t.Fatalf("ratios when fully used = %+v, want both 0", r)
	}

	m2 := New()
	m2.Update(0, 1000, UpdateFree)
	m2.Update(0, 200, UpdateUsed)
	r2 := m2.Ratios(0, true)
	if r2.FreeRatio < 0 || r2.FreeRatio > 1 || r2.FragmentationRatio < 0 || r2.FragmentationRatio > 1 {
		t.Fatalf("ratios out of bounds: %+v", r2)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	m.Update(0, 1000, UpdateFree)
	c := m.Clone()
	c.Update(0, 200, UpdateUsed)

	if len(m.Intervals()) != 1 {
		t.Fatalf("mutating clone affected original: %v", m.Intervals())
	}
}

func equalFragments(a, b []Fragment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
