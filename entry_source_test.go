package streamzip

import (
	"context"
	"testing"
)

// buildFakeLocalHeader constructs a minimal local file header for name, with
// small declared sizes, so a tiny ByteSource can back an EntryRecord whose
// central-directory sizes are inflated to force ZIP64 escalation without
// allocating a multi-gigabyte fixture.
func buildFakeLocalHeader(name string) []byte {
	nameBytes := []byte(name)
	header := make([]byte, fileHeaderLen+len(nameBytes))
	b := writeBuf(header)
	b.uint32(fileHeaderSignature)
	b.uint16(zipVersion20)
	b.uint16(0)
	b.uint16(Store)
	b.uint16(0)
	b.uint16(0)
	b.uint32(0)
	b.uint32(0) // compressed size (local header copy, unchecked by validateLocalHeader)
	b.uint32(0) // uncompressed size
	b.uint16(uint16(len(nameBytes)))
	b.uint16(0) // extra length
	b.bytes(nameBytes)
	return header
}

// TestNewRawEntrySourceEmitsZip64LocalExtra asserts that a raw-copied entry
// whose declared sizes require ZIP64 gets a 0x0001 local extra field backing
// the 0xFFFFFFFF sentinel sizes in its re-emitted local header (APPNOTE
// 4.5.3): a local header signaling ZIP64 sizes with no extra to carry the
// real values is malformed and rejected by readers that don't consult the
// central directory.
func TestNewRawEntrySourceEmitsZip64LocalExtra(t *testing.T) {
	const name = "huge.bin"
	const fakeSize = uint64(uint32max) + 1000

	local := buildFakeLocalHeader(name)
	src := NewMemoryByteSource(local)

	rec := &EntryRecord{
		MadeByVersion:     zipVersion20,
		ExtractionVersion: zipVersion20,
		Method:            Store,
		CompressedSize:    fakeSize,
		UncompressedSize:  fakeSize,
		LocalHeaderOffset: 0,
		RawName:           []byte(name),
	}

	ctx := context.Background()
	entry := newEntryReader(ctx, src, NewCompressionRegistry(), rec)

	es, err := NewRawEntrySource(ctx, entry, src, name)
	if err != nil {
		t.Fatalf("NewRawEntrySource: %v", err)
	}
	raw, ok := es.(*rawEntrySource)
	if !ok {
		t.Fatalf("got %T, want *rawEntrySource", es)
	}

	header := raw.localHeader
	b := readBuf(header)
	if sig := b.uint32(); sig != fileHeaderSignature {
		t.Fatalf("got signature %x, want %x", sig, fileHeaderSignature)
	}
	extractionVersion := b.uint16()
	if extractionVersion < zipVersion45 {
		t.Fatalf("got extraction version %d, want >= %d for a ZIP64 entry", extractionVersion, zipVersion45)
	}
	b.uint16() // flags
	b.uint16() // method
	b.uint16() // mod time
	b.uint16() // mod date
	b.uint32() // crc32
	compressedSize := b.uint32()
	uncompressedSize := b.uint32()
	if compressedSize != uint32max || uncompressedSize != uint32max {
		t.Fatalf("got sizes (%x, %x), want (%x, %x) sentinel", compressedSize, uncompressedSize, uint32max, uint32max)
	}
	nameLen := b.uint16()
	extraLen := b.uint16()
	if extraLen == 0 {
		t.Fatalf("local header has no extra field for a ZIP64-sized entry; sentinel sizes are unbacked")
	}
	nameFromHeader := b.sub(int(nameLen))
	if string(nameFromHeader) != name {
		t.Fatalf("got name %q, want %q", nameFromHeader, name)
	}
	extra := b.sub(int(extraLen))
	eb := readBuf(extra)
	if id := eb.uint16(); id != zip64ExtraID {
		t.Fatalf("got extra field id %x, want %x (ZIP64)", id, zip64ExtraID)
	}
	eb.uint16() // extra data size
	gotUncompressed := eb.uint64()
	gotCompressed := eb.uint64()
	if gotUncompressed != fakeSize || gotCompressed != fakeSize {
		t.Fatalf("got ZIP64 extra sizes (%d, %d), want (%d, %d)", gotUncompressed, gotCompressed, fakeSize, fakeSize)
	}
}

// TestEntrySourceOptionsDefaultCompressionMethodIsDeflate asserts that
// omitting CompressionMethod resolves to Deflate, not the zero value Store,
// matching the documented default.
func TestEntrySourceOptionsDefaultCompressionMethodIsDeflate(t *testing.T) {
	opts := EntrySourceOptions{FileName: "a.txt"}.setDefaults()
	if got := opts.compressionMethod(); got != Deflate {
		t.Fatalf("got default compression method %d, want Deflate (%d)", got, Deflate)
	}

	explicitStore := EntrySourceOptions{FileName: "a.txt", CompressionMethod: methodPtr(Store)}.setDefaults()
	if got := explicitStore.compressionMethod(); got != Store {
		t.Fatalf("got compression method %d for explicit Store, want Store (%d)", got, Store)
	}
}
