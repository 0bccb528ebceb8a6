package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brktrace/brktrace"
	"github.com/brktrace/brktrace/output"
)

// newFramesCmd returns a lightweight utility verb: decode a trace fully
// and dump only its interned stack-frame table, without writing any
// cache files or other output documents. Useful for inspecting what a
// trace's call stacks actually look like before committing to a full
// replay run.
func newFramesCmd() *cobra.Command {
	var input, outputDir string
	var compactJSON bool
	var callstackDepth int

	cmd := &cobra.Command{
		Use:   "frames",
		Short: "Decode a trace and write its stack-frame table only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := brktrace.Config{CallstackDepth: callstackDepth, LogInterval: 0}
			engine, err := brktrace.Open(input, cfg, nil)
			if err != nil {
				return err
			}
			snap, err := engine.Next()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}
			return output.WriteStackFrameMap(filepath.Join(outputDir, "stack_frame_map.json"), !compactJSON, snap.State.Frames)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "path to the zstd-compressed trace (required)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "output", "directory to write stack_frame_map.json into")
	cmd.Flags().BoolVar(&compactJSON, "compact-json", false, "write compact JSON instead of indented")
	cmd.Flags().IntVar(&callstackDepth, "callstack-depth", -1, "truncate call-stack paths to this many innermost frames; -1 disables truncation")
	cmd.MarkFlagRequired("input")
	return cmd
}
