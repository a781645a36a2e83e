package streamzip

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// drainWriter pulls every chunk from w until it reports done, per the
// pull-based nextChunk contract in §4.6.
func drainWriter(t *testing.T, ctx context.Context, w *ArchiveWriter) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, done, err := w.NextChunk(ctx)
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		out.Write(chunk)
		if done {
			return out.Bytes()
		}
	}
}

func entrySourceSlice(t *testing.T, sources ...EntrySource) EntrySourceFactory {
	t.Helper()
	i := 0
	return func() (EntrySource, bool, error) {
		if i >= len(sources) {
			return nil, false, nil
		}
		s := sources[i]
		i++
		return s, true, nil
	}
}

func TestArchiveWriterRoundTripWithStdlibReader(t *testing.T) {
	ctx := context.Background()

	storeSrc, err := NewDataEntrySource(strings.NewReader("hello store"), EntrySourceOptions{
		FileName:          "a/store.txt",
		CompressionMethod: methodPtr(Store),
		ModTime:           time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewDataEntrySource (store): %v", err)
	}
	deflateSrc, err := NewDataEntrySource(strings.NewReader(strings.Repeat("compress me please ", 200)), EntrySourceOptions{
		FileName:          "b/deflate.txt",
		CompressionMethod: methodPtr(Deflate),
		ModTime:           time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewDataEntrySource (deflate): %v", err)
	}

	writer, err := NewArchiveWriter(entrySourceSlice(t, storeSrc, deflateSrc), WriteOptions{})
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	archiveBytes := drainWriter(t, ctx, writer)

	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		t.Fatalf("archive/zip.NewReader: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("got %d files, want 2", len(zr.File))
	}

	want := map[string]string{
		"a/store.txt":   "hello store",
		"b/deflate.txt": strings.Repeat("compress me please ", 200),
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
			t.Fatalf("%s: got %d bytes, want %d bytes", f.Name, len(got), len(want[f.Name]))
		}
	}
}

// buildStdlibZip builds a ZIP archive with archive/zip, used as a known-good
// input to exercise our reader.
func buildStdlibZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip.Writer.Close: %v", err)
	}
	return buf.Bytes()
}

func TestArchiveReaderAgainstStdlibWriter(t *testing.T) {
	files := map[string]string{
		"readme.txt":     "hello from stdlib",
		"dir/nested.txt": strings.Repeat("x", 10000),
	}
	data := buildStdlibZip(t, files)

	ctx := context.Background()
	archive, err := OpenArchive(ctx, NewMemoryByteSource(data), ReadOptions{CreateEntryIndex: true})
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}

	entries, err := archive.AllEntries()
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	if len(entries) != len(files) {
		t.Fatalf("got %d entries, want %d", len(entries), len(files))
	}

	for _, e := range entries {
		name, err := e.Name()
		if err != nil {
			t.Fatalf("Name: %v", err)
		}
		want, ok := files[name]
		if !ok {
			t.Fatalf("unexpected entry %q", name)
		}
		got, err := e.ReadAll(0)
		if err != nil {
			t.Fatalf("ReadAll(%s): %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s: got %d bytes, want %d bytes", name, len(got), len(want))
		}
	}

	found, err := archive.Find("readme.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil {
		t.Fatalf("Find did not locate readme.txt")
	}
}

func TestEntryReaderStreamingChunkContract(t *testing.T) {
	content := strings.Repeat("stream me in small pieces. ", 5000)
	data := buildStdlibZip(t, map[string]string{"big.txt": content})

	ctx := context.Background()
	archive, err := OpenArchive(ctx, NewMemoryByteSource(data), ReadOptions{})
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	entry, err := archive.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	stream, err := entry.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	var out bytes.Buffer
	for {
		chunk, eof, err := stream.Read(64)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out.Write(chunk)
		if eof {
			break
		}
	}
	if out.String() != content {
		t.Fatalf("got %d bytes, want %d bytes", out.Len(), len(content))
	}
}

func TestEntryReaderCrcMismatch(t *testing.T) {
	// The entry is stored uncompressed so that its payload bytes appear
	// verbatim in the archive and can be located below.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "a.txt", Method: zip.Store})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := w.Write([]byte("original content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip.Writer.Close: %v", err)
	}
	data := buf.Bytes()

	// Corrupt a payload byte without touching the central directory's CRC,
	// so decompression succeeds but the checksum no longer matches.
	idx := bytes.Index(data, []byte("original content"))
	if idx < 0 {
		t.Fatalf("fixture payload not found in archive bytes")
	}
	corrupted := append([]byte(nil), data...)
	corrupted[idx] ^= 0xFF

	ctx := context.Background()
	archive, err := OpenArchive(ctx, NewMemoryByteSource(corrupted), ReadOptions{})
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	entry, err := archive.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	_, err = entry.ReadAll(0)
	if err == nil {
		t.Fatalf("expected CRC mismatch error")
	}
	if kind := err.(*Error).Kind; kind != KindCrcMismatch {
		t.Fatalf("got kind %v, want KindCrcMismatch", kind)
	}
}
