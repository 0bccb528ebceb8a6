// Package snapshotcache persists and reloads replay.Snapshot values as
// cache_<timestamp>.pkl / cache_final.pkl files, so a long replay can
// resume without re-parsing from byte 0.
//
// Encoding is msgpack: binary, schema-free, and round-trips Go structs
// with nested maps and pointers cheaply.
package snapshotcache

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/brktrace/brktrace/internal/replay"
)

func filenameFor(dir string, timestamp int64, final bool) string {
	if final {
		return filepath.Join(dir, "cache_final.pkl")
	}
	return filepath.Join(dir, fmt.Sprintf("cache_%d.pkl", timestamp))
}

// Save persists snap to dir, named by its timestamp (or cache_final.pkl
// if Final). The file is opened, written in full, and closed before
// Save returns.
func Save(dir string, snap *replay.Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshotcache: mkdir %s: %w", dir, err)
	}
	buf, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshotcache: marshal: %w", err)
	}
	path := filenameFor(dir, snap.Timestamp, snap.Final)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("snapshotcache: write %s: %w", path, err)
	}
	return nil
}

// Load reads and decodes the cache file at path.
func Load(path string) (*replay.Snapshot, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshotcache: read %s: %w", path, err)
	}
	var snap replay.Snapshot
	if err := msgpack.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("snapshotcache: unmarshal %s: %w", path, err)
	}
	return &snap, nil
}

// presentTimestamps lists the non-final cache_<ts>.pkl timestamps
// actually present in dir, ascending.
func presentTimestamps(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshotcache: readdir %s: %w", dir, err)
	}
	var out []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cache_") || !strings.HasSuffix(name, ".pkl") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, "cache_"), ".pkl")
		if mid == "final" {
			continue
		}
		ts, err := strconv.ParseInt(mid, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LoadLatestBefore implements the fallback chain required of a corrupt
// or missing cache: try the exact requested target, then the next
// earlier cache actually present in dir. cache_final.pkl is never
// used as a fallback for a non-final target. It returns a nil Snapshot
// and nil error if nothing usable was found, signalling the caller to
// fall back to a full re-parse from byte 0.
func LoadLatestBefore(dir string, target int64) (*replay.Snapshot, error) {
	if snap, err := Load(filenameFor(dir, target, false)); err == nil {
		return snap, nil
	} else {
		log.Printf("snapshotcache: cache for target %d unusable: %v", target, err)
	}

	timestamps, err := presentTimestamps(dir)
	if err != nil {
		return nil, err
	}
	for i := len(timestamps) - 1; i >= 0; i-- {
		if timestamps[i] >= target {
			continue
		}
		snap, err := Load(filenameFor(dir, timestamps[i], false))
		if err != nil {
			log.Printf("snapshotcache: fallback cache %d unusable: %v", timestamps[i], err)
			continue
		}
		return snap, nil
	}
	return nil, nil
}

// Clear removes every cache_*.pkl file from dir.
func Clear(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshotcache: readdir %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "cache_") && strings.HasSuffix(name, ".pkl") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("snapshotcache: remove %s: %w", name, err)
			}
		}
	}
	return nil
}
