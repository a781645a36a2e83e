package streamzip

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"
)

func TestArchiveMergerCombinesSources(t *testing.T) {
	first := buildStdlibZip(t, map[string]string{
		"one.txt": "contents of one",
		"two.txt": "contents of two",
	})
	second := buildStdlibZip(t, map[string]string{
		"three.txt": "contents of three",
	})

	sources := []MergeSource{
		{Source: NewMemoryByteSource(first)},
		{Source: NewMemoryByteSource(second)},
	}
	merger := NewArchiveMerger(sources, MergeOptions{})

	ctx := context.Background()
	writer, err := merger.OutputArchive(ctx)
	if err != nil {
		t.Fatalf("OutputArchive: %v", err)
	}
	merged := drainWriter(t, ctx, writer)

	zr, err := zip.NewReader(bytes.NewReader(merged), int64(len(merged)))
	if err != nil {
		t.Fatalf("archive/zip.NewReader: %v", err)
	}
	want := map[string]string{
		"one.txt":   "contents of one",
		"two.txt":   "contents of two",
		"three.txt": "contents of three",
	}
	if len(zr.File) != len(want) {
		t.Fatalf("got %d files, want %d", len(zr.File), len(want))
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Open %s: %v", f.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("ReadAll %s: %v", f.Name, err)
		}
		if string(got) != want[f.Name] {
			t.Fatalf("%s: got %q, want %q", f.Name, got, want[f.Name])
		}
	}
}

// TestArchiveMergerCopiesCompressedBytesVerbatim asserts the zero-recompression
// invariant: a deflated entry's compressed payload in the merged archive is
// byte-for-byte identical to the payload in its source archive, never
// recompressed.
func TestArchiveMergerCopiesCompressedBytesVerbatim(t *testing.T) {
	var srcBuf bytes.Buffer
	zw := zip.NewWriter(&srcBuf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "big.txt", Method: zip.Deflate})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	payload := bytes.Repeat([]byte("recompression should never happen here. "), 1000)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	srcBytes := srcBuf.Bytes()

	srcZR, err := zip.NewReader(bytes.NewReader(srcBytes), int64(len(srcBytes)))
	if err != nil {
		t.Fatalf("archive/zip.NewReader (source): %v", err)
	}
	srcCompressedSize := srcZR.File[0].CompressedSize64

	ctx := context.Background()
	merger := NewArchiveMerger([]MergeSource{{Source: NewMemoryByteSource(srcBytes)}}, MergeOptions{})
	writer, err := merger.OutputArchive(ctx)
	if err != nil {
		t.Fatalf("OutputArchive: %v", err)
	}
	merged := drainWriter(t, ctx, writer)

	mergedZR, err := zip.NewReader(bytes.NewReader(merged), int64(len(merged)))
	if err != nil {
		t.Fatalf("archive/zip.NewReader (merged): %v", err)
	}
	if len(mergedZR.File) != 1 {
		t.Fatalf("got %d files, want 1", len(mergedZR.File))
	}
	if mergedZR.File[0].CompressedSize64 != srcCompressedSize {
		t.Fatalf("compressed size changed across merge: got %d, want %d (recompression occurred)",
			mergedZR.File[0].CompressedSize64, srcCompressedSize)
	}

	rc, err := mergedZR.File[0].Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after merge")
	}
}

func TestArchiveMergerBasePathAndDestinationPath(t *testing.T) {
	src := buildStdlibZip(t, map[string]string{
		"build/out/app.bin":  "binary",
		"build/out/lib.so":   "library",
		"build/readme.txt":   "not under out/",
	})

	sources := []MergeSource{
		{
			Source:          NewMemoryByteSource(src),
			BasePath:        "build/out/",
			DestinationPath: "dist/",
		},
	}
	ctx := context.Background()
	merger := NewArchiveMerger(sources, MergeOptions{})
	writer, err := merger.OutputArchive(ctx)
	if err != nil {
		t.Fatalf("OutputArchive: %v", err)
	}
	merged := drainWriter(t, ctx, writer)

	zr, err := zip.NewReader(bytes.NewReader(merged), int64(len(merged)))
	if err != nil {
		t.Fatalf("archive/zip.NewReader: %v", err)
	}
	got := map[string]bool{}
	for _, f := range zr.File {
		got[f.Name] = true
	}
	want := map[string]bool{"dist/app.bin": true, "dist/lib.so": true}
	if len(got) != len(want) {
		t.Fatalf("got entries %v, want %v", got, want)
	}
	for name := range want {
		if !got[name] {
			t.Fatalf("missing expected entry %q in %v", name, got)
		}
	}
}

func TestArchiveMergerFilter(t *testing.T) {
	src := buildStdlibZip(t, map[string]string{
		"keep.log":   "keep me",
		"skip.tmp":   "drop me",
		"keep2.log":  "keep me too",
	})

	sources := []MergeSource{
		{
			Source: NewMemoryByteSource(src),
			Filter: func(name string) bool {
				return len(name) > 4 && name[len(name)-4:] == ".log"
			},
		},
	}
	ctx := context.Background()
	merger := NewArchiveMerger(sources, MergeOptions{})
	writer, err := merger.OutputArchive(ctx)
	if err != nil {
		t.Fatalf("OutputArchive: %v", err)
	}
	merged := drainWriter(t, ctx, writer)

	zr, err := zip.NewReader(bytes.NewReader(merged), int64(len(merged)))
	if err != nil {
		t.Fatalf("archive/zip.NewReader: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("got %d files, want 2", len(zr.File))
	}
	for _, f := range zr.File {
		if f.Name == "skip.tmp" {
			t.Fatalf("filter did not exclude %q", f.Name)
		}
	}
}
