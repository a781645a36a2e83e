package streamzip

import (
	"context"
	"hash/crc32"
	"os"
	"time"
)

// EntryReader is the per-entry read facade built from a central directory
// record: decoded metadata accessors, a capped full-read, and a chunked
// decompressing stream (§4.3).
type EntryReader struct {
	ctx context.Context
	src ByteSource
	reg *CompressionRegistry
	rec *EntryRecord

	extras     *parsedExtras
	extrasErr  error
	extrasOnce bool
}

// newEntryReader builds an EntryReader over rec. ctx is retained for the
// lifetime of the reader, matching the cooperative suspension model (§5):
// every I/O-bearing method on EntryReader is driven by its caller, not by a
// background goroutine.
func newEntryReader(ctx context.Context, src ByteSource, reg *CompressionRegistry, rec *EntryRecord) *EntryReader {
	return &EntryReader{ctx: ctx, src: src, reg: reg, rec: rec}
}

// Record returns the underlying central directory record.
func (e *EntryReader) Record() *EntryRecord {
	return e.rec
}

func (e *EntryReader) isUTF8() bool {
	return e.rec.Flags&flagUTF8 != 0
}

func (e *EntryReader) parsedExtras() (*parsedExtras, error) {
	if !e.extrasOnce {
		e.extras, e.extrasErr = parseExtraFields(e.rec.Extra, false, false, false, false)
		e.extrasOnce = true
	}
	return e.extras, e.extrasErr
}

// Name returns the entry's decoded file name (§4.4).
func (e *EntryReader) Name() (string, error) {
	extras, err := e.parsedExtras()
	if err != nil {
		return "", err
	}
	return resolveUnicodeName(e.rec.RawName, e.isUTF8(), extras), nil
}

// Comment returns the entry's decoded comment (§4.4).
func (e *EntryReader) Comment() (string, error) {
	extras, err := e.parsedExtras()
	if err != nil {
		return "", err
	}
	return resolveUnicodeComment(e.rec.RawComment, e.isUTF8(), extras), nil
}

// ModTime returns the entry's modification time, preferring the extended
// timestamp extra field's second resolution over the DOS date/time's
// 2-second resolution when present.
func (e *EntryReader) ModTime() (time.Time, error) {
	extras, err := e.parsedExtras()
	if err != nil {
		return time.Time{}, err
	}
	if extras != nil && extras.hasModTime {
		return extras.modTime, nil
	}
	return msDosTimeToTime(e.rec.ModDate, e.rec.ModTime), nil
}

// Mode returns the entry's os.FileMode, derived from the creator version and
// external attributes.
func (e *EntryReader) Mode() (os.FileMode, error) {
	name, err := e.Name()
	if err != nil {
		return 0, err
	}
	return modeFromAttrs(e.rec.MadeByVersion, e.rec.ExternalAttrs, name), nil
}

// validateLocalHeader re-parses the local header at the record's offset and
// checks it against the central directory record: matching signature and a
// name length equal to the central copy's. The name bytes, the sizes and the
// extra-field content are not compared.
func (e *EntryReader) validateLocalHeader() (localHeaderTotalLen uint64, dataDescriptorFollows bool, err error) {
	prefix, err := e.src.ReadAt(e.ctx, e.rec.LocalHeaderOffset, fileHeaderLen)
	if err != nil {
		return 0, false, err
	}
	b := readBuf(prefix)
	if b.uint32() != fileHeaderSignature {
		return 0, false, newErrorEntry(KindMalformed, "EntryReader.validateLocalHeader", string(e.rec.RawName), nil)
	}
	b.uint16() // extraction version
	flags := b.uint16()
	b.uint16() // method
	b.uint16() // mod time
	b.uint16() // mod date
	b.uint32() // crc32
	b.uint32() // compressed size
	b.uint32() // uncompressed size
	nameLen := b.uint16()
	extraLen := b.uint16()

	if int(nameLen) != len(e.rec.RawName) {
		return 0, false, newErrorEntry(KindMalformed, "EntryReader.validateLocalHeader", string(e.rec.RawName), nil)
	}
	dataDescriptorFollows = flags&flagDataDescriptor != 0
	localHeaderTotalLen = fileHeaderLen + uint64(nameLen) + uint64(extraLen)
	return localHeaderTotalLen, dataDescriptorFollows, nil
}

// payloadOffset returns the absolute offset at which this entry's compressed
// payload begins, after re-validating the local header.
func (e *EntryReader) payloadOffset() (uint64, error) {
	localLen, _, err := e.validateLocalHeader()
	if err != nil {
		return 0, err
	}
	return e.rec.LocalHeaderOffset + localLen, nil
}

// defaultFullReadCap bounds ReadAll when the caller passes 0, guarding
// against accidentally materializing an enormous entry.
const defaultFullReadCap = 1 << 30 // 1 GiB

// ReadAll returns the entry's full decompressed contents. maxSize caps the
// uncompressed size that will be materialized; entries whose declared
// UncompressedSize exceeds it fail fast with KindTooLarge. A maxSize of 0
// uses defaultFullReadCap.
func (e *EntryReader) ReadAll(maxSize uint64) ([]byte, error) {
	if maxSize == 0 {
		maxSize = defaultFullReadCap
	}
	if e.rec.UncompressedSize > maxSize {
		return nil, newErrorEntry(KindTooLarge, "EntryReader.ReadAll", string(e.rec.RawName), nil)
	}
	stream, err := e.OpenStream()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, e.rec.UncompressedSize)
	const chunk = 32 * 1024
	for {
		data, eof, err := stream.Read(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		if uint64(len(out)) > maxSize {
			return nil, newErrorEntry(KindTooLarge, "EntryReader.ReadAll", string(e.rec.RawName), nil)
		}
		if eof {
			return out, nil
		}
	}
}

// EntryStreamReader is the chunked decompressing stream described in §4.3.
// Its Read contract is deliberately not io.Reader's: an empty, non-EOF
// result means the processor needs more compressed input before it can
// produce output, and must not be treated as end-of-stream.
type EntryStreamReader struct {
	ctx    context.Context
	entry  *EntryReader
	comp   *sectionReader
	proc   DataProcessor
	pushed bool // Finish() has been called on proc

	crc  uint32
	done bool
}

// OpenStream returns a streaming decompressing reader over the entry's
// payload.
func (e *EntryReader) OpenStream() (*EntryStreamReader, error) {
	offset, err := e.payloadOffset()
	if err != nil {
		return nil, err
	}
	proc, err := e.reg.Decompressor(e.rec.Method)
	if err != nil {
		return nil, err
	}
	return &EntryStreamReader{
		ctx:   e.ctx,
		entry: e,
		comp:  newSectionReader(e.ctx, e.src, offset, e.rec.CompressedSize),
		proc:  proc,
	}, nil
}

// Read feeds up to maxInputBytes of compressed input through the entry's
// DataProcessor and returns whatever decompressed bytes emerge. It first
// returns eof=true after the processor has signaled completion and CRC-32
// has been checked against the entry's declared value; every later call
// returns (nil, true, nil).
func (r *EntryStreamReader) Read(maxInputBytes int) (out []byte, eof bool, err error) {
	if r.done {
		return nil, true, nil
	}
	if !r.pushed {
		buf := make([]byte, maxInputBytes)
		n, readErr := r.comp.Read(buf)
		if n > 0 {
			if pushErr := r.proc.Push(buf[:n]); pushErr != nil {
				return nil, false, pushErr
			}
		}
		if readErr != nil {
			if finishErr := r.proc.Finish(); finishErr != nil {
				return nil, false, finishErr
			}
			r.pushed = true
		}
	}

	data, done, pullErr := r.proc.Pull()
	if pullErr != nil {
		return nil, false, pullErr
	}
	if len(data) > 0 {
		r.crc = crc32.Update(r.crc, crc32.IEEETable, data)
	}
	if done {
		r.done = true
		if r.crc != r.entry.rec.CRC32 {
			return data, true, newErrorEntry(KindCrcMismatch, "EntryStreamReader.Read", string(r.entry.rec.RawName), nil)
		}
	}
	return data, done, nil
}
