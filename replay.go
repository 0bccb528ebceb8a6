// Package brktrace is the public façade over the trace replay engine:
// open a trace, pull snapshots from it at chosen timestamps, and
// persist/resume across runs. Everything algorithmic lives in
// internal/replay, internal/heapmap and internal/frame; this package
// only wires the trace/metadata/cache boundaries (internal/tracefile,
// internal/snapshotcache) to that engine.
package brktrace

import (
	"github.com/brktrace/brktrace/internal/replay"
	"github.com/brktrace/brktrace/internal/snapshotcache"
	"github.com/brktrace/brktrace/internal/tracefile"
)

// Config is the set of options the core recognises: callstack_depth,
// skip_cpp and log_interval. snapshot_interval and timestamps are
// resolved by the caller into an explicit target list before Open,
// keeping file I/O (the metadata file) at the boundary.
type Config = replay.Config

// Snapshot is an immutable, restorable projection of replay state at
// one logical timestamp, or at end of trace.
type Snapshot = replay.Snapshot

// Metadata is the parsed companion text file (bench, total_traceinfo_count, time_end).
type Metadata = tracefile.Metadata

// Engine replays one decompressed trace buffer, yielding Snapshots at
// the caller's chosen timestamps.
type Engine struct {
	dec *replay.Decoder
}

// Open decompresses the trace at tracePath and returns an Engine ready
// to replay it from the beginning. targets need not be sorted.
func Open(tracePath string, cfg Config, targets []int64) (*Engine, error) {
	buf, err := tracefile.Decompress(tracePath)
	if err != nil {
		return nil, err
	}
	return &Engine{dec: replay.NewDecoder(buf, cfg, targets)}, nil
}

// Resume reconstructs an Engine from a previously yielded Snapshot,
// continuing decoding of the same trace from snap.NextIdx.
func Resume(tracePath string, cfg Config, targets []int64, snap *Snapshot) (*Engine, error) {
	buf, err := tracefile.Decompress(tracePath)
	if err != nil {
		return nil, err
	}
	return &Engine{dec: replay.Resume(buf, cfg, targets, snap)}, nil
}

// Next advances the replay to the next snapshot, which is either the
// next crossed target or, once the buffer is exhausted, the final one.
// It must not be called again after a Snapshot with Final set has been
// returned.
func (e *Engine) Next() (*Snapshot, error) { return e.dec.NextSnapshot() }

// Done reports whether the final snapshot has already been yielded.
func (e *Engine) Done() bool { return e.dec.Done() }

// ReadMetadata parses the trace's companion metadata file.
func ReadMetadata(path string) (Metadata, error) { return tracefile.ReadMetadata(path) }

// AutoTargets derives the snapshot_interval-implied target list from a
// metadata file's time_end.
func AutoTargets(interval int64, md Metadata) []int64 {
	return tracefile.AutoTargets(interval, md.TimeEnd)
}

// SaveCache persists snap to dir under the cache_<timestamp>.pkl /
// cache_final.pkl convention.
func SaveCache(dir string, snap *Snapshot) error { return snapshotcache.Save(dir, snap) }

// LoadCache applies the cache fallback chain to recover the latest
// usable cached snapshot at or before target. A nil Snapshot with a
// nil error means no usable cache was found at all.
func LoadCache(dir string, target int64) (*Snapshot, error) {
	return snapshotcache.LoadLatestBefore(dir, target)
}

// ClearCache removes every cache_*.pkl file from dir.
func ClearCache(dir string) error { return snapshotcache.Clear(dir) }
