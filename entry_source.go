package streamzip

import (
	"context"
	"hash/crc32"
	"io"
)

// entryPhase is the per-entry state machine described in §4.6:
// Idle -> LocalHeader -> Payload -> DataDescriptor? -> Recorded.
type entryPhase int

const (
	phaseIdle entryPhase = iota
	phaseLocalHeader
	phasePayload
	phaseDataDescriptor
	phaseRecorded
)

// centralRecordDraft carries everything an ArchiveWriter needs to emit a
// completed entry's central directory record, once its EntrySource has
// finished and the true compressed/uncompressed sizes and CRC-32 are known.
// Offset is filled in by the writer at the moment the entry's local header
// was emitted (§3 WriteArchiveState invariant).
type centralRecordDraft struct {
	name    []byte
	comment []byte
	extra   []byte // central directory extra; a ZIP64 extra is appended to it when needed

	method            uint16
	flags             uint16
	madeByVersion     uint16
	extractionVersion uint16
	modDate, modTime  uint16
	crc32             uint32
	compressedSize    uint64
	uncompressedSize  uint64
	internalAttrs     uint16
	externalAttrs     uint32
	forceZip64        bool

	offset uint64
}

// EntrySource is the writer-side producer abstraction: one instance per
// output entry, traversed exactly once, yielding the entry's local header,
// payload, and (if applicable) data descriptor as a sequence of chunks.
type EntrySource interface {
	// NextChunk returns the next slice of bytes to emit for this entry, or
	// done=true once nothing more remains. It must be called repeatedly
	// until done is true before Record is consulted.
	NextChunk(ctx context.Context) (chunk []byte, done bool, err error)
	// Record returns the completed entry's central directory draft. Valid
	// only after NextChunk has returned done=true.
	Record() centralRecordDraft
}

// dataEntrySource streams a user-supplied payload through a CompressionRegistry
// processor, computing CRC-32 and sizes as bytes flow rather than requiring
// them upfront -- the central difference from the teacher's eager Template
// model, where every size was known before writing began.
type dataEntrySource struct {
	opts EntrySourceOptions
	src  io.Reader
	proc DataProcessor

	phase entryPhase

	nameBytes    []byte
	commentBytes []byte
	extra        []byte
	useUTF8      bool

	crc              uint32
	compressedSize   uint64
	uncompressedSize uint64

	procDone bool
}

// NewDataEntrySource constructs an EntrySource that compresses payload
// (read to completion, in chunks, as NextChunk is driven) according to opts.
func NewDataEntrySource(payload io.Reader, opts EntrySourceOptions) (EntrySource, error) {
	opts = opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Processors
	if reg == nil {
		reg = NewCompressionRegistry()
	}
	proc, err := reg.Compressor(opts.compressionMethod())
	if err != nil {
		return nil, err
	}

	nameBytes, useUTF8, err := encodeName(opts.FileName, opts.ForceUTF8FileName)
	if err != nil {
		return nil, err
	}
	var commentBytes []byte
	if opts.FileComment != "" {
		commentBytes, _, err = encodeName(opts.FileComment, opts.ForceUTF8FileName)
		if err != nil {
			return nil, err
		}
	}

	var extra []byte
	if opts.extendedTimeStamp() {
		extra = append(extra, buildExtTimeExtra(opts.ModTime, opts.AcTime, opts.CrTime)...)
	}
	if opts.UnicodeFileNameField && !useUTF8 {
		extra = append(extra, buildUnicodeExtra(unicodePathExtraID, nameBytes, opts.FileName)...)
	}
	if opts.UnicodeCommentField && !useUTF8 && len(commentBytes) > 0 {
		extra = append(extra, buildUnicodeExtra(unicodeCommentExtraID, commentBytes, opts.FileComment)...)
	}

	return &dataEntrySource{
		opts:         opts,
		src:          payload,
		proc:         proc,
		nameBytes:    nameBytes,
		commentBytes: commentBytes,
		extra:        extra,
		useUTF8:      useUTF8,
	}, nil
}

// encodeName implements the emission half of §4.4: UTF-8 when required or
// requested, otherwise CP-437.
func encodeName(s string, forceUTF8 bool) (encoded []byte, usedUTF8 bool, err error) {
	valid, require := detectUTF8(s)
	if !valid {
		return nil, false, newError(KindEncodingUnsupported, "encodeName", nil)
	}
	if forceUTF8 || require {
		return []byte(s), true, nil
	}
	cp437, err := encodeCP437(s)
	if err != nil {
		return nil, false, err
	}
	return cp437, false, nil
}

func (d *dataEntrySource) NextChunk(ctx context.Context) ([]byte, bool, error) {
	switch d.phase {
	case phaseIdle:
		d.phase = phaseLocalHeader
		return d.buildLocalHeader(), false, nil

	case phaseLocalHeader:
		d.phase = phasePayload
		fallthrough

	case phasePayload:
		return d.pumpPayload()

	case phaseDataDescriptor:
		d.phase = phaseRecorded
		return d.buildDataDescriptor(), true, nil

	default:
		return nil, true, nil
	}
}

func (d *dataEntrySource) pumpPayload() ([]byte, bool, error) {
	for {
		out, done, err := d.proc.Pull()
		if err != nil {
			return nil, false, err
		}
		if len(out) > 0 {
			d.compressedSize += uint64(len(out))
			return out, false, nil
		}
		if done {
			d.phase = phaseDataDescriptor
			return nil, false, nil
		}
		if d.procDone {
			// Processor asked for nothing and isn't done: shouldn't happen
			// once Finish has been called, but avoid spinning forever.
			return nil, false, newError(KindStateError, "dataEntrySource.pumpPayload", nil)
		}

		buf := make([]byte, 32*1024)
		n, readErr := d.src.Read(buf)
		if n > 0 {
			d.crc = crc32.Update(d.crc, crc32.IEEETable, buf[:n])
			d.uncompressedSize += uint64(n)
			if pushErr := d.proc.Push(buf[:n]); pushErr != nil {
				return nil, false, pushErr
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return nil, false, newError(KindBackendError, "dataEntrySource.pumpPayload", readErr)
			}
			if finishErr := d.proc.Finish(); finishErr != nil {
				return nil, false, finishErr
			}
			d.procDone = true
		}
	}
}

func (d *dataEntrySource) buildLocalHeader() []byte {
	flags := uint16(0)
	if d.useUTF8 {
		flags |= flagUTF8
	}
	// Sizes are unknown until the payload has been fully streamed, so the
	// local header always defers to a trailing data descriptor (§3 LocalHeader
	// invariant).
	flags |= flagDataDescriptor

	buf := make([]byte, fileHeaderLen+len(d.nameBytes)+len(d.extra))
	b := writeBuf(buf)
	b.uint32(fileHeaderSignature)
	b.uint16(d.opts.MinExtractionVersion)
	b.uint16(flags)
	b.uint16(d.opts.compressionMethod())
	date, time_ := timeToMsDosTime(d.opts.ModTime)
	b.uint16(time_)
	b.uint16(date)
	b.uint32(0) // crc32, deferred
	b.uint32(0) // compressed size, deferred
	b.uint32(0) // uncompressed size, deferred
	b.uint16(uint16(len(d.nameBytes)))
	b.uint16(uint16(len(d.extra)))
	b.bytes(d.nameBytes)
	b.bytes(d.extra)
	return buf
}

func (d *dataEntrySource) buildDataDescriptor() []byte {
	zip64 := d.opts.ForceZip64 || isZip64Size(d.compressedSize, d.uncompressedSize)
	if zip64 {
		buf := make([]byte, dataDescriptor64Len)
		b := writeBuf(buf)
		b.uint32(dataDescriptorSignature)
		b.uint32(d.crc)
		b.uint64(d.compressedSize)
		b.uint64(d.uncompressedSize)
		return buf
	}
	buf := make([]byte, dataDescriptorLen)
	b := writeBuf(buf)
	b.uint32(dataDescriptorSignature)
	b.uint32(d.crc)
	b.uint32(uint32(d.compressedSize))
	b.uint32(uint32(d.uncompressedSize))
	return buf
}

func (d *dataEntrySource) Record() centralRecordDraft {
	flags := uint16(flagDataDescriptor)
	if d.useUTF8 {
		flags |= flagUTF8
	}
	madeByHigh, externalAttrs := attrsFromMode(d.opts.Mode)
	externalAttrs |= d.opts.ExternalFileAttributes
	date, timeVal := timeToMsDosTime(d.opts.ModTime)
	extra := d.extra
	if d.opts.extendedTimeStamp() && (d.opts.AcTime != nil || d.opts.CrTime != nil) {
		// The extended timestamp leads d.extra; its central copy carries
		// mtime only.
		localExtTime := buildExtTimeExtra(d.opts.ModTime, d.opts.AcTime, d.opts.CrTime)
		extra = append(buildExtTimeExtra(d.opts.ModTime, nil, nil), d.extra[len(localExtTime):]...)
	}
	return centralRecordDraft{
		name:              d.nameBytes,
		comment:           d.commentBytes,
		extra:             extra,
		method:            d.opts.compressionMethod(),
		flags:             flags,
		madeByVersion:     uint16(madeByHigh)<<8 | d.opts.MinMadeByVersion,
		extractionVersion: d.opts.MinExtractionVersion,
		modDate:           date,
		modTime:           timeVal,
		crc32:             d.crc,
		compressedSize:    d.compressedSize,
		uncompressedSize:  d.uncompressedSize,
		internalAttrs:     d.opts.InternalFileAttributes,
		externalAttrs:     externalAttrs,
		forceZip64:        d.opts.ForceZip64,
	}
}

// rawEntrySource is the merger's zero-recompression variant: it copies an
// existing entry's compressed payload verbatim from a source archive,
// ignoring CompressionMethod (the payload's own method travels with it) and
// never touching the CompressionRegistry.
type rawEntrySource struct {
	src     *EntryReader
	name    []byte
	useUTF8 bool
	comment []byte

	payloadOff  uint64
	payloadLen  uint64
	remaining   uint64
	localHeader []byte
	phase       entryPhase
}

// NewRawEntrySource constructs an EntrySource that emits a new local header
// for entry, built from its central directory record with the name
// rewritten to newName, and copies its compressed payload (and trailing data
// descriptor, if any) byte-for-byte, used by ArchiveMerger. The source local
// header's extra fields are not carried over; the new header's only extra is
// a ZIP64 extra, added when the sizes require it.
func NewRawEntrySource(ctx context.Context, entry *EntryReader, src ByteSource, newName string) (EntrySource, error) {
	nameBytes, useUTF8, err := encodeName(newName, entry.rec.Flags&flagUTF8 != 0)
	if err != nil {
		return nil, err
	}

	localLen, descriptorFollows, err := entry.validateLocalHeader()
	if err != nil {
		return nil, err
	}
	payloadOff := entry.rec.LocalHeaderOffset + localLen
	payloadLen := entry.rec.CompressedSize
	if descriptorFollows {
		if isZip64Size(entry.rec.CompressedSize, entry.rec.UncompressedSize) {
			payloadLen += dataDescriptor64Len
		} else {
			payloadLen += dataDescriptorLen
		}
	}

	flags := entry.rec.Flags
	if useUTF8 {
		flags |= flagUTF8
	} else {
		flags &^= flagUTF8
	}

	needZip64 := isZip64Size(entry.rec.CompressedSize, entry.rec.UncompressedSize)
	var zip64Extra []byte
	extractionVersion := entry.rec.ExtractionVersion
	if needZip64 {
		// A local header advertising 0xFFFFFFFF sizes must carry a ZIP64
		// extra with the real 8-byte values (APPNOTE 4.5.3); the central
		// directory copy alone isn't enough for readers that only look at
		// the local header.
		zip64Extra = buildZip64Extra(true, false, entry.rec.UncompressedSize, entry.rec.CompressedSize, 0)
		if extractionVersion < zipVersion45 {
			extractionVersion = zipVersion45
		}
	}

	header := make([]byte, fileHeaderLen+len(nameBytes)+len(zip64Extra))
	b := writeBuf(header)
	b.uint32(fileHeaderSignature)
	b.uint16(extractionVersion)
	b.uint16(flags)
	b.uint16(entry.rec.Method)
	b.uint16(entry.rec.ModTime)
	b.uint16(entry.rec.ModDate)
	b.uint32(entry.rec.CRC32)
	if needZip64 {
		b.uint32(uint32max)
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(entry.rec.CompressedSize))
		b.uint32(uint32(entry.rec.UncompressedSize))
	}
	b.uint16(uint16(len(nameBytes)))
	b.uint16(uint16(len(zip64Extra)))
	b.bytes(nameBytes)
	b.bytes(zip64Extra)

	return &rawEntrySource{
		src:         entry,
		name:        nameBytes,
		useUTF8:     useUTF8,
		comment:     []byte(entry.rec.RawComment),
		payloadOff:  payloadOff,
		payloadLen:  payloadLen,
		remaining:   payloadLen,
		localHeader: header,
	}, nil
}

func (r *rawEntrySource) NextChunk(ctx context.Context) ([]byte, bool, error) {
	switch r.phase {
	case phaseIdle:
		r.phase = phasePayload
		return r.localHeader, false, nil
	case phasePayload:
		if r.remaining == 0 {
			r.phase = phaseRecorded
			return nil, true, nil
		}
		n := r.remaining
		const maxChunk = 256 * 1024
		if n > maxChunk {
			n = maxChunk
		}
		data, err := r.src.src.ReadAt(ctx, r.payloadOff, n)
		if err != nil {
			return nil, false, err
		}
		r.payloadOff += uint64(len(data))
		r.remaining -= uint64(len(data))
		return data, false, nil
	default:
		return nil, true, nil
	}
}

func (r *rawEntrySource) Record() centralRecordDraft {
	rec := r.src.rec
	flags := rec.Flags
	if r.useUTF8 {
		flags |= flagUTF8
	} else {
		flags &^= flagUTF8
	}
	return centralRecordDraft{
		name:              r.name,
		comment:           r.comment,
		extra:             rec.Extra,
		method:            rec.Method,
		flags:             flags,
		madeByVersion:     rec.MadeByVersion,
		extractionVersion: rec.ExtractionVersion,
		modDate:           rec.ModDate,
		modTime:           rec.ModTime,
		crc32:             rec.CRC32,
		compressedSize:    rec.CompressedSize,
		uncompressedSize:  rec.UncompressedSize,
		internalAttrs:     rec.InternalAttrs,
		externalAttrs:     rec.ExternalAttrs,
	}
}
