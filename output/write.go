package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/brktrace/brktrace/internal/frame"
	"github.com/brktrace/brktrace/internal/heapmap"
	"github.com/brktrace/brktrace/internal/replay"
)

type eventJSON struct {
	Time          int64   `json:"time"`
	Operation     string  `json:"operation"`
	Range         string  `json:"range"`
	Size          int64   `json:"size"`
	CallstackPath []int32 `json:"callstack_path"`
	AllocAt       *int64  `json:"alloc_at"`
	FreeAt        *int64  `json:"free_at"`

	FragmentationRatio *float64 `json:"fragmentation_ratio,omitempty"`
	FreeRatio          *float64 `json:"free_ratio,omitempty"`
	ImpactScore        *float64 `json:"impact_score,omitempty"`
}

func pathToInts(p frame.Path) []int32 {
	out := make([]int32, len(p))
	for i, id := range p {
		out[i] = int32(id)
	}
	return out
}

func eventDocJSON(e EventDoc) eventJSON {
	return eventJSON{
		Time:               e.Time,
		Operation:          string(e.Operation),
		Range:              e.Range,
		Size:               e.Size,
		CallstackPath:      pathToInts(e.CallstackPath),
		AllocAt:            e.AllocAt,
		FreeAt:             e.FreeAt,
		FragmentationRatio: e.FragmentationRatio,
		FreeRatio:          e.FreeRatio,
		ImpactScore:        e.ImpactScore,
	}
}

func eventJSONOf(e replay.Event) eventJSON {
	return eventJSON{
		Time:          e.Time,
		Operation:     string(e.Operation),
		Range:         e.Range,
		Size:          e.Size,
		CallstackPath: pathToInts(e.CallstackPath),
		AllocAt:       e.AllocAt,
		FreeAt:        e.FreeAt,
	}
}

func writeJSON(path string, pretty bool, v any) error {
	var buf []byte
	var err error
	if pretty {
		buf, err = json.MarshalIndent(v, "", "  ")
	} else {
		buf, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("output: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

// WriteEvents writes events_with_frag.json.
func WriteEvents(path string, pretty bool, docs []EventDoc) error {
	out := make([]eventJSON, len(docs))
	for i, d := range docs {
		out[i] = eventDocJSON(d)
	}
	return writeJSON(path, pretty, out)
}

// WriteBrkEvents writes brk_events.json.
func WriteBrkEvents(path string, pretty bool, events []replay.Event) error {
	out := make([]eventJSON, len(events))
	for i, e := range events {
		out[i] = eventJSONOf(e)
	}
	return writeJSON(path, pretty, out)
}

// WriteFragmentation writes fragmentation.json: samples deduplicated to
// one entry per timestamp, keeping the last sample seen for each, in
// the order timestamps were first encountered.
func WriteFragmentation(path string, pretty bool, samples []heapmap.Ratios) error {
	order := make([]int64, 0, len(samples))
	byTS := make(map[int64]heapmap.Ratios, len(samples))
	for _, s := range samples {
		if _, ok := byTS[s.Timestamp]; !ok {
			order = append(order, s.Timestamp)
		}
		byTS[s.Timestamp] = s
	}
	out := make([]heapmap.Ratios, len(order))
	for i, ts := range order {
		out[i] = byTS[ts]
	}
	return writeJSON(path, pretty, out)
}

type frameJSON struct {
	File string `json:"file"`
	Func string `json:"func"`
	Line int32  `json:"line"`
	Col  int32  `json:"col"`
}

// WriteStackFrameMap writes stack_frame_map.json: frame ID (as a
// decimal string, since JSON object keys must be strings) to frame.
func WriteStackFrameMap(path string, pretty bool, frames []frame.Frame) error {
	out := make(map[string]frameJSON, len(frames))
	for id, f := range frames {
		out[fmt.Sprintf("%d", id)] = frameJSON{File: f.File, Func: f.Func, Line: f.Line, Col: f.Col}
	}
	return writeJSON(path, pretty, out)
}

type segmentJSON struct {
	StartAddr int64      `json:"start_addr"`
	Fragments [][2]int64 `json:"fragments"`
}

type memoryFragmentsJSON struct {
	Timestamp      any           `json:"timestamp"`
	Summary        heapmap.Stats `json:"summary"`
	FocusRegions   [][2]int64    `json:"focus_regions"`
	MemorySegments []segmentJSON `json:"memory_segments"`
}

// WriteMemoryFragments writes memory_fragments.json. layout is the
// flat, brk-base-relative projection a Snapshot carries; focusRegions,
// if non-empty, restricts the single implicit segment (start_addr 0)
// to the entries overlapping one of those regions. A fragment that
// only partially overlaps a region is kept whole, not clipped.
func WriteMemoryFragments(path string, pretty bool, timestamp any, layout heapmap.Layout, focusRegions []Region) error {
	entries := layout.Entries
	if len(focusRegions) > 0 {
		entries = filterEntriesByRegions(entries, focusRegions)
	}

	fragments := make([][2]int64, len(entries))
	for i, e := range entries {
		fragments[i] = [2]int64{e.EndOffset, int64(e.Code)}
	}

	regions := make([][2]int64, len(focusRegions))
	for i, r := range focusRegions {
		regions[i] = [2]int64{r.Start, r.End}
	}

	doc := memoryFragmentsJSON{
		Timestamp:      timestamp,
		Summary:        layout.Summary,
		FocusRegions:   regions,
		MemorySegments: []segmentJSON{{StartAddr: 0, Fragments: fragments}},
	}
	return writeJSON(path, pretty, doc)
}

func filterEntriesByRegions(entries []heapmap.LayoutEntry, regions []Region) []heapmap.LayoutEntry {
	var out []heapmap.LayoutEntry
	prevEnd := int64(0)
	for _, e := range entries {
		start := prevEnd
		prevEnd = e.EndOffset
		for _, r := range regions {
			if max64(start, r.Start) < min64(e.EndOffset, r.End) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// WriteFlameGraph writes flame.json.
func WriteFlameGraph(path string, pretty bool, root *FlameNode) error {
	return writeJSON(path, pretty, root)
}
