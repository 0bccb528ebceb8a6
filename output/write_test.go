package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/brktrace/brktrace/internal/frame"
	"github.com/brktrace/brktrace/internal/heapmap"
	"github.com/brktrace/brktrace/internal/replay"
)

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
}

func TestWriteEventsShape(t *testing.T) {
	allocAt := int64(200)
	docs := MergeFragmentation(
		[]replay.Event{{Time: 300, Operation: replay.OpFree, Range: "0-200", Size: 200, CallstackPath: frame.Path{0, 1}, AllocAt: &allocAt}},
		[]heapmap.Ratios{{Timestamp: 300, FragmentationRatio: 0.25, FreeRatio: 0.5}},
	)

	path := filepath.Join(t.TempDir(), "events_with_frag.json")
	if err := WriteEvents(path, false, docs); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}

	var out []map[string]any
	readJSON(t, path, &out)
	if len(out) != 1 {
		t.Fatalf("records = %d, want 1", len(out))
	}
	rec := out[0]
	if rec["operation"] != "free" || rec["range"] != "0-200" {
		t.Errorf("record = %v, want free of 0-200", rec)
	}
	if rec["alloc_at"] != float64(200) {
		t.Errorf("alloc_at = %v, want 200", rec["alloc_at"])
	}
	if rec["fragmentation_ratio"] != 0.25 {
		t.Errorf("fragmentation_ratio = %v, want 0.25", rec["fragmentation_ratio"])
	}
	// impact = 0.25 * (1 - 0.5)
	if rec["impact_score"] != 0.125 {
		t.Errorf("impact_score = %v, want 0.125", rec["impact_score"])
	}
	if got := rec["callstack_path"].([]any); len(got) != 2 {
		t.Errorf("callstack_path = %v, want 2 ids", got)
	}
}

func TestWriteStackFrameMapShape(t *testing.T) {
	frames := []frame.Frame{
		{File: "a.c", Func: "main", Line: 1, Col: 2},
		{File: "b.c", Func: "helper", Line: 3, Col: 4},
	}
	path := filepath.Join(t.TempDir(), "stack_frame_map.json")
	if err := WriteStackFrameMap(path, false, frames); err != nil {
		t.Fatalf("WriteStackFrameMap: %v", err)
	}

	var out map[string]map[string]any
	readJSON(t, path, &out)
	if len(out) != 2 {
		t.Fatalf("entries = %d, want 2", len(out))
	}
	if out["1"]["func"] != "helper" || out["1"]["line"] != float64(3) {
		t.Errorf("entry 1 = %v, want helper:3", out["1"])
	}
}

func TestWriteMemoryFragmentsShape(t *testing.T) {
	layout := heapmap.Layout{
		Entries: []heapmap.LayoutEntry{{EndOffset: 200, Code: 1}, {EndOffset: 1000, Code: 0}},
		Summary: heapmap.Stats{TotalUsed: 200, TotalFree: 800, UsedCount: 1, FreeCount: 1, LargestFree: 800},
	}
	path := filepath.Join(t.TempDir(), "memory_fragments.json")
	if err := WriteMemoryFragments(path, false, int64(250), layout, nil); err != nil {
		t.Fatalf("WriteMemoryFragments: %v", err)
	}

	var out struct {
		Timestamp      int64      `json:"timestamp"`
		FocusRegions   [][2]int64 `json:"focus_regions"`
		MemorySegments []struct {
			StartAddr int64      `json:"start_addr"`
			Fragments [][2]int64 `json:"fragments"`
		} `json:"memory_segments"`
	}
	readJSON(t, path, &out)
	if out.Timestamp != 250 {
		t.Errorf("timestamp = %d, want 250", out.Timestamp)
	}
	if len(out.MemorySegments) != 1 || out.MemorySegments[0].StartAddr != 0 {
		t.Fatalf("segments = %+v, want one at start_addr 0", out.MemorySegments)
	}
	frags := out.MemorySegments[0].Fragments
	if len(frags) != 2 || frags[0] != [2]int64{200, 1} || frags[1] != [2]int64{1000, 0} {
		t.Errorf("fragments = %v, want [[200 1] [1000 0]]", frags)
	}
}

// A fragment only partially inside a focus region is retained wholly,
// not clipped.
func TestWriteMemoryFragmentsFocusRegionKeepsPartialOverlap(t *testing.T) {
	layout := heapmap.Layout{
		Entries: []heapmap.LayoutEntry{{EndOffset: 200, Code: 1}, {EndOffset: 1000, Code: 0}, {EndOffset: 1200, Code: 1}},
	}
	path := filepath.Join(t.TempDir(), "memory_fragments.json")
	// Region [150,300) overlaps the first fragment's tail and the second's head.
	if err := WriteMemoryFragments(path, false, int64(1), layout, []Region{{Start: 150, End: 300}}); err != nil {
		t.Fatalf("WriteMemoryFragments: %v", err)
	}

	var out struct {
		MemorySegments []struct {
			Fragments [][2]int64 `json:"fragments"`
		} `json:"memory_segments"`
	}
	readJSON(t, path, &out)
	frags := out.MemorySegments[0].Fragments
	if len(frags) != 2 || frags[0] != [2]int64{200, 1} || frags[1] != [2]int64{1000, 0} {
		t.Errorf("fragments = %v, want the two overlapping fragments kept whole", frags)
	}
}
