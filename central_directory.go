package streamzip

import (
	"bytes"
	"context"
)

// eocdScanWindow is the largest trailer that can contain an EOCD record: the
// fixed 22-byte record plus the maximum comment length.
const eocdScanWindow = directoryEndLen + uint16max

// CentralDirectoryLocation is the result of locating an archive's central
// directory: offset and size of the directory region, total entry count,
// the archive comment, and whether ZIP64 fields are authoritative.
type CentralDirectoryLocation struct {
	Offset     uint64
	Size       uint64
	EntryCount uint64
	Comment    string
	IsZip64    bool
}

// locateCentralDirectory scans backward from the end of src for the EOCD
// signature, then escalates to the ZIP64 end record/locator when the
// classic fields carry a sentinel or a ZIP64 locator is present, per §4.2.
func locateCentralDirectory(ctx context.Context, src ByteSource) (*CentralDirectoryLocation, error) {
	total := src.Length()
	if total < directoryEndLen {
		return nil, newError(KindNotAZip, "locateCentralDirectory", nil)
	}
	window := eocdScanWindow
	if uint64(window) > total {
		window = int(total)
	}
	start := total - uint64(window)
	tail, err := src.ReadAt(ctx, start, uint64(window))
	if err != nil {
		return nil, err
	}

	idx := bytes.LastIndex(tail, []byte{0x50, 0x4b, 0x05, 0x06})
	if idx < 0 || len(tail)-idx < directoryEndLen {
		return nil, newError(KindNotAZip, "locateCentralDirectory", nil)
	}
	eocdOffset := start + uint64(idx)
	rec := readBuf(tail[idx : idx+directoryEndLen])
	rec.uint32() // signature, already matched
	diskNum := rec.uint16()
	cdDisk := rec.uint16()
	diskEntryCount := rec.uint16()
	totalEntryCount := rec.uint16()
	cdSize := rec.uint32()
	cdOffset := rec.uint32()
	commentLen := rec.uint16()
	if diskNum != 0 || cdDisk != 0 || diskEntryCount != totalEntryCount {
		return nil, newError(KindUnsupportedFeature, "locateCentralDirectory", nil)
	}

	commentStart := idx + directoryEndLen
	if commentStart+int(commentLen) > len(tail) {
		return nil, newError(KindMalformed, "locateCentralDirectory", nil)
	}
	comment := decodeCP437(tail[commentStart : commentStart+int(commentLen)])

	loc := &CentralDirectoryLocation{
		Offset:     uint64(cdOffset),
		Size:       uint64(cdSize),
		EntryCount: uint64(totalEntryCount),
		Comment:    comment,
	}

	needsZip64 := totalEntryCount == uint16max || cdSize == uint32max || cdOffset == uint32max
	if eocdOffset >= directory64LocLen {
		locStart := eocdOffset - directory64LocLen
		locBytes, err := src.ReadAt(ctx, locStart, directory64LocLen)
		if err == nil {
			lb := readBuf(locBytes)
			if lb.uint32() == directory64LocSignature {
				needsZip64 = true
				lb.uint32() // disk number of ZIP64 EOCD
				zip64EOCDOffset := lb.uint64()

				e64Bytes, err := src.ReadAt(ctx, zip64EOCDOffset, directory64EndLen)
				if err != nil {
					return nil, err
				}
				eb := readBuf(e64Bytes)
				if eb.uint32() != directory64EndSignature {
					return nil, newError(KindMalformed, "locateCentralDirectory", nil)
				}
				eb.uint64() // record size
				eb.uint16() // creator version
				eb.uint16() // extractor version
				eb.uint32() // disk number
				eb.uint32() // disk with central directory
				eb.uint64() // entries on this disk
				loc.EntryCount = eb.uint64()
				loc.Size = eb.uint64()
				loc.Offset = eb.uint64()
			}
		}
	}
	loc.IsZip64 = needsZip64
	return loc, nil
}

func logZip64Escalation(log Logger, loc *CentralDirectoryLocation) {
	if loc.IsZip64 {
		log.Debugf("streamzip: central directory at offset %d escalated to ZIP64 (%d entries)", loc.Offset, loc.EntryCount)
	}
}

// EntryRecord is one parsed central directory record, as described in §3.
// Raw name/comment bytes and the extra-field blob are retained unparsed so a
// raw-copy merge can reproduce them byte-for-byte; decoded accessors live on
// EntryReader.
type EntryRecord struct {
	MadeByVersion      uint16
	ExtractionVersion  uint16
	Flags              uint16
	Method             uint16
	ModTime            uint16
	ModDate            uint16
	CRC32              uint32
	CompressedSize     uint64
	UncompressedSize   uint64
	LocalHeaderOffset  uint64
	InternalAttrs      uint16
	ExternalAttrs      uint32
	RawName            []byte
	RawComment         []byte
	Extra              []byte
	DirectoryPosition  int // byte offset of this record within the directory region
	DirectoryRecordLen int // total encoded length of this record (46 + variable)
}

// CentralDirectoryReader iterates an archive's central directory lazily
// through a bounded sliding buffer, optionally building a name index on the
// first full pass (§4.2).
type CentralDirectoryReader struct {
	ctx    context.Context
	src    ByteSource
	loc    *CentralDirectoryLocation
	opts   ReadOptions
	buf    []byte
	bufOff uint64 // absolute source offset that buf[0] corresponds to

	pos       uint64 // current absolute read position (inside the directory region once started)
	index     map[string]int // decoded name -> DirectoryPosition, built lazily
	indexDone bool
}

// NewCentralDirectoryReader locates and opens the central directory of src.
func NewCentralDirectoryReader(ctx context.Context, src ByteSource, opts ReadOptions) (*CentralDirectoryReader, error) {
	opts = opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	loc, err := locateCentralDirectory(ctx, src)
	if err != nil {
		return nil, err
	}
	r := &CentralDirectoryReader{
		ctx:  ctx,
		src:  src,
		loc:  loc,
		opts: opts,
	}
	if opts.CreateEntryIndex {
		r.index = make(map[string]int)
	}
	logZip64Escalation(opts.logger(), loc)
	return r, nil
}

// Location returns the location record discovered at construction.
func (r *CentralDirectoryReader) Location() CentralDirectoryLocation {
	return *r.loc
}

// fill ensures at least need bytes are available starting at r.pos, refilling
// the sliding buffer from src when the next record straddles its end.
func (r *CentralDirectoryReader) fill(need uint64) error {
	haveFrom := r.pos - r.bufOff
	if r.buf != nil && haveFrom <= uint64(len(r.buf)) && uint64(len(r.buf))-haveFrom >= need {
		return nil
	}
	bufSize := r.opts.CentralDirectoryBufferSize
	remaining := r.loc.Size - (r.pos - r.loc.Offset)
	if uint64(bufSize) < need {
		bufSize = int(need)
	}
	if uint64(bufSize) > remaining {
		bufSize = int(remaining)
	}
	b, err := r.src.ReadAt(r.ctx, r.pos, uint64(bufSize))
	if err != nil {
		return err
	}
	r.buf = b
	r.bufOff = r.pos
	return nil
}

// peek returns n bytes at r.pos, refilling as needed, without advancing.
func (r *CentralDirectoryReader) peek(n uint64) ([]byte, error) {
	if err := r.fill(n); err != nil {
		return nil, err
	}
	start := r.pos - r.bufOff
	if start+n > uint64(len(r.buf)) {
		return nil, newError(KindMalformed, "CentralDirectoryReader.peek", nil)
	}
	return r.buf[start : start+n], nil
}

// Next returns the next central directory record, or (nil, nil) once the
// directory region has been fully consumed.
func (r *CentralDirectoryReader) Next() (*EntryRecord, error) {
	if r.pos == 0 {
		r.pos = r.loc.Offset
	}
	end := r.loc.Offset + r.loc.Size
	if r.pos >= end {
		if r.index != nil {
			r.indexDone = true
		}
		return nil, nil
	}

	startPos := r.pos
	prefix, err := r.peek(directoryHeaderLen)
	if err != nil {
		return nil, err
	}
	b := readBuf(prefix)
	if b.uint32() != directoryHeaderSignature {
		return nil, newError(KindMalformed, "CentralDirectoryReader.Next", nil)
	}
	rec := &EntryRecord{DirectoryPosition: int(startPos - r.loc.Offset)}
	rec.MadeByVersion = b.uint16()
	rec.ExtractionVersion = b.uint16()
	rec.Flags = b.uint16()
	rec.Method = b.uint16()
	rec.ModTime = b.uint16()
	rec.ModDate = b.uint16()
	rec.CRC32 = b.uint32()
	compressed := b.uint32()
	uncompressed := b.uint32()
	nameLen := b.uint16()
	extraLen := b.uint16()
	commentLen := b.uint16()
	b.uint16() // disk number start
	rec.InternalAttrs = b.uint16()
	rec.ExternalAttrs = b.uint32()
	offset := b.uint32()

	variableLen := uint64(nameLen) + uint64(extraLen) + uint64(commentLen)
	if startPos+directoryHeaderLen+variableLen > end {
		return nil, newError(KindMalformed, "CentralDirectoryReader.Next", nil)
	}
	rec.DirectoryRecordLen = directoryHeaderLen + int(variableLen)

	variable, err := r.readRange(startPos+directoryHeaderLen, variableLen)
	if err != nil {
		return nil, err
	}
	rec.RawName = variable[:nameLen]
	rec.Extra = variable[nameLen : uint64(nameLen)+uint64(extraLen)]
	rec.RawComment = variable[uint64(nameLen)+uint64(extraLen):]

	needUSize := uncompressed == uint32max
	needCSize := compressed == uint32max
	needOffset := offset == uint32max
	rec.CompressedSize = uint64(compressed)
	rec.UncompressedSize = uint64(uncompressed)
	rec.LocalHeaderOffset = uint64(offset)
	if needUSize || needCSize || needOffset {
		extras, err := parseExtraFields(rec.Extra, needUSize, needCSize, needOffset, false)
		if err != nil {
			return nil, err
		}
		if extras.zip64 == nil {
			return nil, newError(KindMalformed, "CentralDirectoryReader.Next", nil)
		}
		if needUSize {
			rec.UncompressedSize = extras.zip64.uncompressedSize
		}
		if needCSize {
			rec.CompressedSize = extras.zip64.compressedSize
		}
		if needOffset {
			rec.LocalHeaderOffset = extras.zip64.offset
		}
	}

	if r.index != nil {
		name := resolveName(rec, rec.Flags&flagUTF8 != 0)
		r.index[name] = rec.DirectoryPosition
	}

	r.pos = startPos + uint64(rec.DirectoryRecordLen)
	return rec, nil
}

// readRange reads n bytes at an absolute directory offset, going through the
// sliding buffer when possible and falling back to a direct source read for
// spans larger than the buffer (long names/extras/comments).
func (r *CentralDirectoryReader) readRange(offset, n uint64) ([]byte, error) {
	savedPos := r.pos
	r.pos = offset
	defer func() { r.pos = savedPos }()
	if n > uint64(r.opts.CentralDirectoryBufferSize) {
		return r.src.ReadAt(r.ctx, offset, n)
	}
	return r.peek(n)
}

func resolveName(rec *EntryRecord, utf8Flag bool) string {
	extras, _ := parseExtraFields(rec.Extra, false, false, false, false)
	return resolveUnicodeName(rec.RawName, utf8Flag, extras)
}

// Find locates an entry by decoded name. With an index enabled, the first
// full iteration populates it and subsequent calls are O(1) average;
// otherwise every call streams the directory from the start.
func (r *CentralDirectoryReader) Find(ctx context.Context, name string) (*EntryRecord, error) {
	if r.opts.CreateEntryIndex {
		if !r.indexDone {
			if err := r.buildIndex(); err != nil {
				return nil, err
			}
		}
		pos, ok := r.index[name]
		if !ok {
			return nil, nil
		}
		return r.recordAt(uint64(pos))
	}

	cursor, err := NewCentralDirectoryReader(ctx, r.src, r.opts)
	if err != nil {
		return nil, err
	}
	for {
		rec, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		if resolveName(rec, rec.Flags&flagUTF8 != 0) == name {
			return rec, nil
		}
	}
}

func (r *CentralDirectoryReader) buildIndex() error {
	saved := r.pos
	r.pos = r.loc.Offset
	for {
		_, err := r.Next()
		if err != nil {
			r.pos = saved
			return err
		}
		if r.indexDone {
			break
		}
	}
	r.pos = saved
	return nil
}

func (r *CentralDirectoryReader) recordAt(directoryPosition uint64) (*EntryRecord, error) {
	saved := r.pos
	r.pos = r.loc.Offset + directoryPosition
	rec, err := r.Next()
	r.pos = saved
	return rec, err
}
