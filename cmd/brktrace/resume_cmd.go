package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brktrace/brktrace"
)

type resumeOptions struct {
	replayOptions
	at int64
}

func newResumeCmd() *cobra.Command {
	opts := &resumeOptions{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a replay from a cached snapshot, continuing to the final snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(opts)
		},
	}
	registerReplayFlags(cmd, &opts.replayOptions)
	cmd.Flags().Int64Var(&opts.at, "at", 0, "timestamp of the cached snapshot to resume from (required)")
	cmd.MarkFlagRequired("at")
	return cmd
}

func runResume(opts *resumeOptions) error {
	cached, err := brktrace.LoadCache(opts.outputDir, opts.at)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	if cached == nil {
		return fmt.Errorf("no usable cache at or before timestamp %d in %s", opts.at, opts.outputDir)
	}

	explicit, err := parseTimestamps(opts.timestamps)
	if err != nil {
		return err
	}
	var targets []int64
	for _, t := range explicit {
		if t > cached.Timestamp {
			targets = append(targets, t)
		}
	}

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return err
	}

	cfg := brktrace.Config{
		CallstackDepth: opts.callstackDepth,
		SkipCPP:        opts.skipCPP,
		LogInterval:    opts.logInterval,
	}

	engine, err := brktrace.Resume(opts.input, cfg, targets, cached)
	if err != nil {
		return err
	}

	pretty := !opts.compactJSON
	for {
		snap, err := engine.Next()
		if err != nil {
			return err
		}
		if err := writeSnapshot(&opts.replayOptions, snap, pretty); err != nil {
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
