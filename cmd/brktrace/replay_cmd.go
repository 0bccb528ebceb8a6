package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brktrace/brktrace"
	"github.com/brktrace/brktrace/internal/frame"
	"github.com/brktrace/brktrace/output"
)

type replayOptions struct {
	input            string
	metadata         string
	outputDir        string
	clearOutputDir   bool
	compactJSON      bool
	timestamps       string
	snapshotInterval int64
	callstackDepth   int
	skipCPP          bool
	logInterval      int
	noCache          bool
	clearCache       bool

	flame         bool
	fragmentation bool
	brkEvents     bool
	memoryLayout  bool
	finalEvents   bool

	peakFocus    bool
	peakWindow   int
	focusEvents  int
	focusContext int64
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a trace from the beginning, writing output documents at each snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts)
		},
	}
	registerReplayFlags(cmd, opts)
	return cmd
}

func registerReplayFlags(cmd *cobra.Command, opts *replayOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.input, "input", "", "path to the zstd-compressed trace (required)")
	f.StringVar(&opts.metadata, "metadata", "", "path to the trace's metadata file")
	f.StringVar(&opts.outputDir, "output-dir", "output", "directory to write output documents and cache files into")
	f.BoolVar(&opts.clearOutputDir, "clear-output-dir", false, "remove output-dir before writing")
	f.BoolVar(&opts.compactJSON, "compact-json", false, "write compact JSON instead of indented")
	f.StringVar(&opts.timestamps, "timestamps", "", "comma-separated explicit snapshot targets")
	f.Int64Var(&opts.snapshotInterval, "snapshot-interval", 0, "auto-insert snapshot targets every N ns up to the metadata's time_end")
	f.IntVar(&opts.callstackDepth, "callstack-depth", -1, "truncate call-stack paths to this many innermost frames; -1 disables truncation")
	f.BoolVar(&opts.skipCPP, "skip-cpp", false, "drop NEW/NEW[]/DELETE* records entirely")
	f.IntVar(&opts.logInterval, "log-interval", 2000, "emit a progress log every N raw records; 0 disables it")
	f.BoolVar(&opts.noCache, "no-cache", false, "do not write snapshot cache files")
	f.BoolVar(&opts.clearCache, "clear-cache", false, "remove cache_*.pkl files from output-dir before replaying")

	f.BoolVar(&opts.flame, "flame", false, "write flame.json")
	f.BoolVar(&opts.fragmentation, "fragmentation", false, "write fragmentation_<snapshot>.json at every snapshot")
	f.BoolVar(&opts.brkEvents, "brk-events", false, "write brk_events_<snapshot>.json at every snapshot")
	f.BoolVar(&opts.memoryLayout, "memory-layout", false, "write memory_fragments_<snapshot>.json at every snapshot")
	f.BoolVar(&opts.finalEvents, "final-events", false, "write events_with_frag.json and stack_frame_map.json")

	f.BoolVar(&opts.peakFocus, "peak-focus", false, "restrict memory_fragments.json to focus regions around fragmentation peaks")
	f.IntVar(&opts.peakWindow, "peak-window", 500, "samples compared on each side when detecting fragmentation peaks")
	f.IntVar(&opts.focusEvents, "focus-events", 50, "events before each peak used to derive its focus regions")
	f.Int64Var(&opts.focusContext, "focus-context", 8192, "bytes of context added around each focus event's address range")

	cmd.MarkFlagRequired("input")
}

func parseTimestamps(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func runReplay(opts *replayOptions) error {
	explicit, err := parseTimestamps(opts.timestamps)
	if err != nil {
		return err
	}

	targets := append([]int64{}, explicit...)
	if opts.snapshotInterval > 0 && opts.metadata != "" {
		md, err := brktrace.ReadMetadata(opts.metadata)
		if err != nil {
			return err
		}
		targets = append(targets, brktrace.AutoTargets(opts.snapshotInterval, md)...)
	}

	if opts.clearOutputDir {
		if err := os.RemoveAll(opts.outputDir); err != nil {
			return fmt.Errorf("clear output dir: %w", err)
		}
	}
	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return err
	}
	if opts.clearCache {
		if err := brktrace.ClearCache(opts.outputDir); err != nil {
			return err
		}
	}

	cfg := brktrace.Config{
		CallstackDepth: opts.callstackDepth,
		SkipCPP:        opts.skipCPP,
		LogInterval:    opts.logInterval,
	}

	engine, err := brktrace.Open(opts.input, cfg, targets)
	if err != nil {
		return err
	}

	pretty := !opts.compactJSON
	for {
		snap, err := engine.Next()
		if err != nil {
			return err
		}
		if err := writeSnapshot(opts, snap, pretty); err != nil {
			return err
		}
		if !opts.noCache {
			if err := brktrace.SaveCache(opts.outputDir, snap); err != nil {
				return fmt.Errorf("save cache: %w", err)
			}
		}
		if snap.Final {
			break
		}
	}
	return nil
}

func snapshotLabel(snap *brktrace.Snapshot) string {
	if snap.Final {
		return "final"
	}
	return strconv.FormatInt(snap.Timestamp, 10)
}

func writeSnapshot(opts *replayOptions, snap *brktrace.Snapshot, pretty bool) error {
	label := snapshotLabel(snap)

	if opts.fragmentation {
		path := filepath.Join(opts.outputDir, "fragmentation_"+label+".json")
		if err := output.WriteFragmentation(path, pretty, snap.FragSamples); err != nil {
			return err
		}
	}
	if opts.brkEvents {
		path := filepath.Join(opts.outputDir, "brk_events_"+label+".json")
		if err := output.WriteBrkEvents(path, pretty, snap.BrkEvents); err != nil {
			return err
		}
	}
	if opts.memoryLayout {
		var ts any = snap.Timestamp
		if snap.Final {
			ts = "final"
		}
		var regions []output.Region
		if opts.peakFocus {
			regions = output.FocusRegionsAroundPeaks(snap.Events, snap.FragSamples, opts.peakWindow, opts.focusEvents, opts.focusContext)
		}
		path := filepath.Join(opts.outputDir, "memory_fragments_"+label+".json")
		if err := output.WriteMemoryFragments(path, pretty, ts, snap.Layout, regions); err != nil {
			return err
		}
	}

	if !snap.Final {
		return nil
	}

	if opts.finalEvents {
		docs := output.MergeFragmentation(snap.Events, snap.FragSamples)
		if err := output.WriteEvents(filepath.Join(opts.outputDir, "events_with_frag.json"), pretty, docs); err != nil {
			return err
		}
		if err := output.WriteStackFrameMap(filepath.Join(opts.outputDir, "stack_frame_map.json"), pretty, snap.State.Frames); err != nil {
			return err
		}
	}
	if opts.flame {
		frames := frame.Restore(snap.State.Frames)
		paths := make([]frame.Path, len(snap.Events))
		for i, ev := range snap.Events {
			paths[i] = ev.CallstackPath
		}
		root := output.BuildFlameGraph(paths, frames, 1000)
		if err := output.WriteFlameGraph(filepath.Join(opts.outputDir, "flame.json"), pretty, root); err != nil {
			return err
		}
	}
	return nil
}
