package streamzip

import (
	"context"
)

// archivePhase is the writer's top-level state machine, across entries:
// Prologue -> (Entry)* -> CentralDirectory -> EOCD -> Done (§4.6). ZIP64
// records, when required, are folded into the CentralDirectory/EOCD step
// since both are built from the same accumulated record set.
type archivePhase int

const (
	archivePrologue archivePhase = iota
	archiveEntries
	archiveTrailer
	archiveDone
)

// EntrySourceFactory produces the next EntrySource to write, or ok=false
// once there are no more entries.
type EntrySourceFactory func() (src EntrySource, ok bool, err error)

// ArchiveWriter is the pull-based ZIP/ZIP64 emitter described in §4.6:
// callers repeatedly call NextChunk and write whatever bytes it returns
// until it reports done, at which point the archive is complete. CRC-32 and
// sizes are computed as entries stream through, not known upfront.
type ArchiveWriter struct {
	next EntrySourceFactory
	opts WriteOptions

	phase   archivePhase
	offset  uint64
	records []centralRecordDraft

	current       EntrySource
	currentOffset uint64

	trailer    []byte
	trailerPos int
}

// NewArchiveWriter constructs a writer that pulls entries from next.
func NewArchiveWriter(next EntrySourceFactory, opts WriteOptions) (*ArchiveWriter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &ArchiveWriter{next: next, opts: opts}, nil
}

// Offset returns the number of bytes emitted so far.
func (w *ArchiveWriter) Offset() uint64 {
	return w.offset
}

// NextChunk returns the next slice of archive bytes to write, or done=true
// once the archive (including its central directory and end record) has
// been fully emitted.
func (w *ArchiveWriter) NextChunk(ctx context.Context) (chunk []byte, done bool, err error) {
	switch w.phase {
	case archivePrologue:
		w.phase = archiveEntries
		return w.NextChunk(ctx)

	case archiveEntries:
		return w.nextEntryChunk(ctx)

	case archiveTrailer:
		if w.trailer == nil {
			w.trailer = buildCentralDirectoryAndEOCD(w.offset, w.records, w.opts.ForceZip64)
			w.opts.logger().Debugf("streamzip: writing central directory: %d entries, %d bytes", len(w.records), len(w.trailer))
		}
		const maxChunk = 256 * 1024
		remaining := w.trailer[w.trailerPos:]
		if len(remaining) == 0 {
			w.phase = archiveDone
			return nil, true, nil
		}
		n := len(remaining)
		if n > maxChunk {
			n = maxChunk
		}
		w.trailerPos += n
		w.offset += uint64(n)
		return remaining[:n], false, nil

	default:
		return nil, true, nil
	}
}

func (w *ArchiveWriter) nextEntryChunk(ctx context.Context) ([]byte, bool, error) {
	if w.current == nil {
		src, ok, err := w.next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			w.phase = archiveTrailer
			return w.NextChunk(ctx)
		}
		w.current = src
		w.currentOffset = w.offset
	}

	chunk, done, err := w.current.NextChunk(ctx)
	if err != nil {
		return nil, false, err
	}
	w.offset += uint64(len(chunk))
	if done {
		rec := w.current.Record()
		rec.offset = w.currentOffset
		w.records = append(w.records, rec)
		w.current = nil
	}
	return chunk, false, nil
}

// buildCentralDirectoryAndEOCD lays out every accumulated entry's central
// directory record followed by the EOCD (and, if required, the ZIP64 EOCD
// and locator that precede it), adapted from the teacher's
// writeCentralDirectory but driven by centralRecordDraft rather than an
// eagerly-sized FileHeader.
func buildCentralDirectoryAndEOCD(cdOffset uint64, records []centralRecordDraft, forceZip64 bool) []byte {
	var out []byte
	for _, rec := range records {
		out = append(out, buildCentralDirectoryRecord(rec)...)
	}
	cdSize := uint64(len(out))

	count := uint64(len(records))
	needZip64 := forceZip64 || count >= uint16max || cdSize >= uint32max || cdOffset >= uint32max
	if needZip64 {
		end64Off := cdOffset + cdSize
		buf := make([]byte, directory64EndLen+directory64LocLen)
		b := writeBuf(buf)
		b.uint32(directory64EndSignature)
		b.uint64(directory64EndLen - 12)
		b.uint16(zipVersion45)
		b.uint16(zipVersion45)
		b.uint32(0)
		b.uint32(0)
		b.uint64(count)
		b.uint64(count)
		b.uint64(cdSize)
		b.uint64(cdOffset)

		b.uint32(directory64LocSignature)
		b.uint32(0)
		b.uint64(end64Off)
		b.uint32(1)
		out = append(out, buf...)
	}

	eocdRecords := count
	eocdSize := cdSize
	eocdOffset := cdOffset
	if needZip64 {
		eocdRecords = uint16max
		eocdSize = uint32max
		eocdOffset = uint32max
	}

	eocd := make([]byte, directoryEndLen)
	b := writeBuf(eocd)
	b.uint32(directoryEndSignature)
	b.uint16(0) // disk number
	b.uint16(0) // disk with central directory
	b.uint16(uint16(eocdRecords))
	b.uint16(uint16(eocdRecords))
	b.uint32(uint32(eocdSize))
	b.uint32(uint32(eocdOffset))
	b.uint16(0) // comment length; archive-level comments are not written by this API
	out = append(out, eocd...)
	return out
}

func buildCentralDirectoryRecord(rec centralRecordDraft) []byte {
	extra := rec.extra
	compressedSize := rec.compressedSize
	uncompressedSize := rec.uncompressedSize
	offset := rec.offset
	needZip64 := rec.forceZip64 || isZip64Size(compressedSize, uncompressedSize) || offset >= uint32max

	madeByVersion := rec.madeByVersion
	extractionVersion := rec.extractionVersion
	if needZip64 {
		extra = append(append([]byte(nil), extra...), buildZip64Extra(true, true, uncompressedSize, compressedSize, offset)...)
		if extractionVersion < zipVersion45 {
			extractionVersion = zipVersion45
		}
		if madeByVersion&0xff < zipVersion45 {
			madeByVersion = madeByVersion&0xff00 | zipVersion45
		}
	}

	buf := make([]byte, directoryHeaderLen+len(rec.name)+len(extra)+len(rec.comment))
	b := writeBuf(buf)
	b.uint32(directoryHeaderSignature)
	b.uint16(madeByVersion)
	b.uint16(extractionVersion)
	b.uint16(rec.flags)
	b.uint16(rec.method)
	b.uint16(rec.modTime)
	b.uint16(rec.modDate)
	b.uint32(rec.crc32)
	if needZip64 {
		b.uint32(uint32max)
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(compressedSize))
		b.uint32(uint32(uncompressedSize))
	}
	b.uint16(uint16(len(rec.name)))
	b.uint16(uint16(len(extra)))
	b.uint16(uint16(len(rec.comment)))
	b.uint16(0) // disk number start
	b.uint16(rec.internalAttrs)
	b.uint32(rec.externalAttrs)
	if needZip64 {
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(offset))
	}
	b.bytes(rec.name)
	b.bytes(extra)
	b.bytes(rec.comment)
	return buf
}
