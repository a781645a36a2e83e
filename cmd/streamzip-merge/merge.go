package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nlowe/streamzip"
)

var (
	outputPath string
	prefix     string
)

func buildMergeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge [archives...]",
		Short: "Merge the given archives into one output archive",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMerge,
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "path to the merged archive (required)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "prefix prepended to every entry's destination path")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var sources []streamzip.MergeSource
	for _, path := range args {
		src, err := openByteSource(path)
		if err != nil {
			return fmt.Errorf("streamzip-merge: %s: %w", path, err)
		}
		sources = append(sources, streamzip.MergeSource{
			Source:          src,
			DestinationPath: prefix,
		})
	}

	merger := streamzip.NewArchiveMerger(sources, streamzip.MergeOptions{})
	writer, err := merger.OutputArchive(ctx)
	if err != nil {
		return fmt.Errorf("streamzip-merge: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("streamzip-merge: %w", err)
	}
	defer out.Close()

	var written int64
	for {
		chunk, done, err := writer.NextChunk(ctx)
		if err != nil {
			return fmt.Errorf("streamzip-merge: %w", err)
		}
		if len(chunk) > 0 {
			n, werr := out.Write(chunk)
			if werr != nil {
				return fmt.Errorf("streamzip-merge: writing %s: %w", outputPath, werr)
			}
			written += int64(n)
		}
		if done {
			break
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes) from %d archives\n", outputPath, written, len(args))
	return nil
}

// openByteSource maps a small archive (small enough to fit this CLI's
// process memory) into a streamzip.ByteSource backed by its file contents.
// Larger workloads should use streamzip.NewReaderAtByteSource directly
// against an *os.File instead of reading it into memory first.
func openByteSource(path string) (streamzip.ByteSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return streamzip.NewMemoryByteSource(data), nil
}
