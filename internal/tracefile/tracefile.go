// Package tracefile handles the two on-disk inputs at the edge of the
// replay engine: the zstd-compressed trace itself (bytes in, bytes
// out; nothing in this package understands the trace's own framing)
// and the companion text metadata file.
package tracefile

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Decompress reads path, a zstd-compressed trace, and returns the
// decompressed bytes in full. The trace has no magic number and no
// length prefix, so there is nothing to validate beyond the zstd frame
// itself.
func Decompress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracefile: open %s: %w", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("tracefile: new zstd reader: %w", err)
	}
	defer dec.Close()

	buf, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("tracefile: decompress %s: %w", path, err)
	}
	return buf, nil
}

// Metadata is the parsed companion text file: one "key: value" pair per
// line. Only TimeEnd is semantically consumed by the core (it seeds the
// snapshot_interval auto-target list); the rest are diagnostic.
type Metadata struct {
	Bench               string
	TotalTraceInfoCount int64
	TimeEnd             int64
	HasTimeEnd          bool
	Raw                 map[string]string
}

// ReadMetadata parses a metadata file. Unrecognised keys are kept in Raw
// and otherwise ignored; a malformed line is skipped with a warning
// rather than failing the whole read, matching the core's general
// policy of degrading to partial results instead of aborting.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("tracefile: open metadata %s: %w", path, err)
	}
	defer f.Close()

	md := Metadata{Raw: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			log.Printf("tracefile: skipping malformed metadata line %q in %s", line, path)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		md.Raw[key] = value

		switch key {
		case "bench":
			md.Bench = value
		case "total_traceinfo_count":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				md.TotalTraceInfoCount = n
			}
		case "time_end":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				md.TimeEnd = n
				md.HasTimeEnd = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return md, fmt.Errorf("tracefile: scan metadata %s: %w", path, err)
	}
	return md, nil
}

// AutoTargets derives the implicit snapshot target list from
// snapshot_interval and a metadata-supplied time bound: every multiple
// of interval up to and including timeEnd.
func AutoTargets(interval, timeEnd int64) []int64 {
	if interval <= 0 || timeEnd <= 0 {
		return nil
	}
	var targets []int64
	for t := interval; t <= timeEnd; t += interval {
		targets = append(targets, t)
	}
	return targets
}
