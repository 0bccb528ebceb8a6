package output

import (
	"reflect"
	"testing"

	"github.com/brktrace/brktrace/internal/heapmap"
	"github.com/brktrace/brktrace/internal/replay"
)

func TestMergeFragmentationJoinsByTimestamp(t *testing.T) {
	events := []replay.Event{
		{Time: 100, Operation: replay.OpBrk, Range: "0-1000", Size: 1000},
		{Time: 200, Operation: replay.OpAlloc, Range: "0-200", Size: 200},
		{Time: 999, Operation: replay.OpAlloc, Range: "0x5000-0x5100", Size: 256},
	}
	samples := []heapmap.Ratios{
		{Timestamp: 100, FragmentationRatio: 0, FreeRatio: 1},
		{Timestamp: 200, FragmentationRatio: 0.5, FreeRatio: 0.8},
	}

	docs := MergeFragmentation(events, samples)
	if len(docs) != 3 {
		t.Fatalf("docs = %d, want 3", len(docs))
	}

	if docs[1].FragmentationRatio == nil || *docs[1].FragmentationRatio != 0.5 {
		t.Errorf("docs[1].FragmentationRatio = %v, want 0.5", docs[1].FragmentationRatio)
	}
	if docs[1].ImpactScore == nil {
		t.Fatalf("docs[1].ImpactScore = nil, want computed")
	}
	// impact = frag * (1 - free) = 0.5 * 0.2 = 0.1
	if got := *docs[1].ImpactScore; got != 0.1 {
		t.Errorf("impact = %v, want 0.1", got)
	}

	// The event with no matching sample keeps nil analysis fields.
	if docs[2].FragmentationRatio != nil || docs[2].ImpactScore != nil {
		t.Errorf("docs[2] analysis fields = %v/%v, want nil", docs[2].FragmentationRatio, docs[2].ImpactScore)
	}
}

func TestFindPeaksLocalMaximum(t *testing.T) {
	// Impact scores: 0, 0.06, 0.25, 0.06, 0; single peak in the middle.
	samples := []heapmap.Ratios{
		{Timestamp: 10, FragmentationRatio: 0, FreeRatio: 1},
		{Timestamp: 20, FragmentationRatio: 0.2, FreeRatio: 0.7},
		{Timestamp: 30, FragmentationRatio: 0.5, FreeRatio: 0.5},
		{Timestamp: 40, FragmentationRatio: 0.2, FreeRatio: 0.7},
		{Timestamp: 50, FragmentationRatio: 0, FreeRatio: 1},
	}
	peaks := FindPeaks(samples, 1)
	if !reflect.DeepEqual(peaks, []int64{30}) {
		t.Fatalf("peaks = %v, want [30]", peaks)
	}
}

func TestFindPeaksFallsBackToGlobalMax(t *testing.T) {
	// Too few samples for a window of 2: fall back to the global max.
	samples := []heapmap.Ratios{
		{Timestamp: 10, FragmentationRatio: 0.1, FreeRatio: 0.5},
		{Timestamp: 20, FragmentationRatio: 0.9, FreeRatio: 0.5},
	}
	peaks := FindPeaks(samples, 2)
	if !reflect.DeepEqual(peaks, []int64{20}) {
		t.Fatalf("peaks = %v, want [20]", peaks)
	}

	if got := FindPeaks(nil, 2); got != nil {
		t.Fatalf("peaks of no samples = %v, want nil", got)
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		in     string
		a, b   int64
		wantOK bool
	}{
		{"100-300", 100, 300, true},
		{"0-1000", 0, 1000, true},
		{"0x5000-0x5100", 0x5000, 0x5100, true},
		{"garbage", 0, 0, false},
		{"0xzz-0x10", 0, 0, false},
	}
	for _, c := range cases {
		a, b, ok := parseRange(c.in)
		if ok != c.wantOK || a != c.a || b != c.b {
			t.Errorf("parseRange(%q) = %d, %d, %v, want %d, %d, %v", c.in, a, b, ok, c.a, c.b, c.wantOK)
		}
	}
}

func TestCalculateFocusRegionsMergesOverlaps(t *testing.T) {
	events := []replay.Event{
		{Time: 1, Range: "100-200"},
		{Time: 2, Range: "150-250"},
		{Time: 3, Range: "900-950"},
	}
	regions := CalculateFocusRegions(events, 3, 10)
	want := []Region{{Start: 90, End: 260}, {Start: 890, End: 960}}
	if !reflect.DeepEqual(regions, want) {
		t.Fatalf("regions = %v, want %v", regions, want)
	}
}

func TestCalculateFocusRegionsSkipsUnparseable(t *testing.T) {
	events := []replay.Event{
		{Time: 1, Range: "not-a-range"},
		{Time: 2, Range: "100-200"},
	}
	regions := CalculateFocusRegions(events, 2, 0)
	want := []Region{{Start: 100, End: 200}}
	if !reflect.DeepEqual(regions, want) {
		t.Fatalf("regions = %v, want %v", regions, want)
	}
}

func TestFocusRegionsAroundPeaks(t *testing.T) {
	// Impact peaks at ts=30; the events at or before it seed the regions.
	samples := []heapmap.Ratios{
		{Timestamp: 10, FragmentationRatio: 0, FreeRatio: 1},
		{Timestamp: 20, FragmentationRatio: 0.2, FreeRatio: 0.7},
		{Timestamp: 30, FragmentationRatio: 0.5, FreeRatio: 0.5},
		{Timestamp: 40, FragmentationRatio: 0.2, FreeRatio: 0.7},
		{Timestamp: 50, FragmentationRatio: 0, FreeRatio: 1},
	}
	events := []replay.Event{
		{Time: 10, Range: "100-200"},
		{Time: 30, Range: "150-250"},
		{Time: 50, Range: "900-950"}, // after the peak: excluded
	}

	regions := FocusRegionsAroundPeaks(events, samples, 1, 10, 10)
	want := []Region{{Start: 90, End: 260}}
	if !reflect.DeepEqual(regions, want) {
		t.Fatalf("regions = %v, want %v", regions, want)
	}
}

func TestFocusRegionsAroundPeaksNoSamples(t *testing.T) {
	events := []replay.Event{{Time: 10, Range: "100-200"}}
	if got := FocusRegionsAroundPeaks(events, nil, 1, 10, 10); got != nil {
		t.Fatalf("regions = %v, want nil without samples", got)
	}
}

func TestCalculateFocusRegionsClampsAtZero(t *testing.T) {
	events := []replay.Event{{Time: 1, Range: "5-50"}}
	regions := CalculateFocusRegions(events, 1, 100)
	if len(regions) != 1 || regions[0].Start != 0 {
		t.Fatalf("regions = %v, want start clamped to 0", regions)
	}
}
