// Command brktrace replays a compressed heap-allocation trace and
// writes the visualiser-facing output documents describing it. It is a
// thin layer over the brktrace package; every algorithmic decision
// lives there, not here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "brktrace",
		Short: "Replay a brk-heap allocation trace",
	}
	root.AddCommand(newReplayCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newFramesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
