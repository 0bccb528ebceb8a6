// Package output turns the replay engine's snapshots into the JSON
// documents a visualiser consumes, and carries the analysis heuristics
// (impact score, peak detection, flame aggregation, focus-region
// filtering) kept deliberately outside the core decode loop.
package output

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/brktrace/brktrace/internal/frame"
	"github.com/brktrace/brktrace/internal/heapmap"
	"github.com/brktrace/brktrace/internal/replay"
)

// ImpactScore ranks a fragmentation sample for peak detection: how
// fragmented the free space is, weighted by how little of the heap is
// actually free.
func ImpactScore(fragRatio, freeRatio float64) float64 {
	return fragRatio * (1 - freeRatio)
}

// EventDoc is an Event enriched with the fragmentation/free/impact
// figures sampled at its timestamp, as events_with_frag.json emits it.
type EventDoc struct {
	Time          int64
	Operation     replay.Operation
	Range         string
	Size          int64
	CallstackPath frame.Path
	AllocAt       *int64
	FreeAt        *int64

	FragmentationRatio *float64
	FreeRatio          *float64
	ImpactScore        *float64
}

// MergeFragmentation joins each event to the fragmentation sample taken
// at the same timestamp, by timestamp, and computes its impact score.
// Events whose timestamp has no matching sample (allocations or frees
// outside the brk heap, for instance) are left with nil analysis fields.
func MergeFragmentation(events []replay.Event, samples []heapmap.Ratios) []EventDoc {
	frag := make(map[int64]float64, len(samples))
	free := make(map[int64]float64, len(samples))
	for _, s := range samples {
		frag[s.Timestamp] = s.FragmentationRatio
		free[s.Timestamp] = s.FreeRatio
	}

	out := make([]EventDoc, len(events))
	for i, ev := range events {
		doc := EventDoc{
			Time:          ev.Time,
			Operation:     ev.Operation,
			Range:         ev.Range,
			Size:          ev.Size,
			CallstackPath: ev.CallstackPath,
			AllocAt:       ev.AllocAt,
			FreeAt:        ev.FreeAt,
		}
		if f, ok := frag[ev.Time]; ok {
			if r, ok2 := free[ev.Time]; ok2 {
				score := round4(ImpactScore(f, r))
				doc.FragmentationRatio = &f
				doc.FreeRatio = &r
				doc.ImpactScore = &score
			}
		}
		out[i] = doc
	}
	return out
}

func round4(f float64) float64 {
	const scale = 10000.0
	if f >= 0 {
		return float64(int64(f*scale+0.5)) / scale
	}
	return float64(int64(f*scale-0.5)) / scale
}

// FindPeaks locates local maxima of impact_score = fragmentation_ratio *
// (1 - free_ratio) over samples, comparing each point against a
// symmetric window of up to `window` neighbours on each side. A point is
// a peak unless some neighbour in its window scores strictly higher, so
// points tied with their neighbours are all reported. If there are too
// few samples for the window, or no point qualifies, it falls back to
// the single global maximum, breaking ties by earliest timestamp.
func FindPeaks(samples []heapmap.Ratios, window int) []int64 {
	valid := make([]scoredSample, 0, len(samples))
	for _, s := range samples {
		valid = append(valid, scoredSample{ts: s.Timestamp, score: ImpactScore(s.FragmentationRatio, s.FreeRatio)})
	}
	if len(valid) == 0 {
		return nil
	}

	n := len(valid)
	if n < 2*window+1 {
		return []int64{globalMax(valid)}
	}

	var peaks []int64
	for i := 0; i < n; i++ {
		lo := max(0, i-window)
		hi := min(n, i+window+1)
		isPeak := true
		for j := lo; j < hi; j++ {
			if j == i {
				continue
			}
			if valid[j].score > valid[i].score {
				isPeak = false
				break
			}
		}
		if isPeak {
			peaks = append(peaks, valid[i].ts)
		}
	}
	if len(peaks) == 0 {
		return []int64{globalMax(valid)}
	}
	return peaks
}

type scoredSample struct {
	ts    int64
	score float64
}

func globalMax(valid []scoredSample) int64 {
	best := valid[0]
	for _, v := range valid[1:] {
		if v.score > best.score {
			best = v
		}
	}
	return best.ts
}

// Region is an address interval of analytical interest.
type Region struct {
	Start, End int64
}

// FocusRegionsAroundPeaks derives the focus regions for
// memory_fragments.json: detect fragmentation peaks over samples, then
// for each peak take the last numEvents events at or before it,
// expand their address ranges by contextSize bytes, and merge the
// results across all peaks. Returns nil when nothing qualifies.
func FocusRegionsAroundPeaks(events []replay.Event, samples []heapmap.Ratios, window, numEvents int, contextSize int64) []Region {
	var regions []Region
	for _, peak := range FindPeaks(samples, window) {
		n := sort.Search(len(events), func(i int) bool { return events[i].Time > peak })
		regions = append(regions, CalculateFocusRegions(events[:n], numEvents, contextSize)...)
	}
	if len(regions) == 0 {
		return nil
	}
	return mergeRegions(regions)
}

// CalculateFocusRegions expands the last numEvents events' address
// ranges by contextSize bytes on each side and merges overlapping
// results, returned sorted by start address.
func CalculateFocusRegions(events []replay.Event, numEvents int, contextSize int64) []Region {
	if len(events) == 0 || numEvents <= 0 {
		return nil
	}
	start := len(events) - numEvents
	if start < 0 {
		start = 0
	}
	var regions []Region
	for _, ev := range events[start:] {
		a, b, ok := parseRange(ev.Range)
		if !ok {
			continue
		}
		lo := a - contextSize
		if lo < 0 {
			lo = 0
		}
		regions = append(regions, Region{Start: lo, End: b + contextSize})
	}
	if len(regions) == 0 {
		return nil
	}
	return mergeRegions(regions)
}

func mergeRegions(regions []Region) []Region {
	sorted := append([]Region{}, regions...)
	sortRegions(sorted)
	out := []Region{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start < last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortRegions(r []Region) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j-1].Start > r[j].Start; j-- {
			r[j-1], r[j] = r[j], r[j-1]
		}
	}
}

// parseRange parses an Event.Range string, either "decimal-decimal"
// (brk-relative offsets, always non-negative) or "0xHEX-0xHEX" (absolute
// addresses outside the brk heap), into its two endpoints.
func parseRange(s string) (int64, int64, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		idx := strings.Index(s, "-0x")
		if idx < 0 {
			idx = strings.Index(s, "-0X")
		}
		if idx < 0 {
			return 0, 0, false
		}
		a, err1 := strconv.ParseInt(s[2:idx], 16, 64)
		b, err2 := strconv.ParseInt(s[idx+3:], 16, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return a, b, true
	}
	idx := strings.Index(s, "-")
	if idx < 0 {
		return 0, 0, false
	}
	a, err1 := strconv.ParseInt(s[:idx], 10, 64)
	b, err2 := strconv.ParseInt(s[idx+1:], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, b, true
}

// frameName renders one stack frame as a flame-graph node label.
func frameName(f frame.Frame) string {
	return f.Func + " (" + filepath.Base(f.File) + ":" + strconv.Itoa(int(f.Line)) + ")"
}
