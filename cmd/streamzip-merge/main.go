// Command streamzip-merge concatenates ZIP archives into one, copying every
// entry's compressed payload verbatim. It exists to demonstrate
// ArchiveMerger end-to-end; the library itself has no CLI surface.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRootCommand()
	root.AddCommand(buildMergeCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "streamzip-merge",
		Short: "Merge ZIP archives without recompressing their contents",
		Long: `streamzip-merge concatenates one or more ZIP archives into a single output
archive. Every entry's compressed bytes are copied as-is; nothing is
decompressed or recompressed along the way.

Example:
  streamzip-merge merge -o combined.zip part1.zip part2.zip`,
	}
}
