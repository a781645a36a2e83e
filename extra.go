package streamzip

import (
	"hash/crc32"
	"time"
)

// parsedExtras is the result of walking an entry's extra-field blob. Unknown
// tags are preserved verbatim (in encounter order) so that a merge that
// doesn't rewrite the entry can reproduce them byte-for-byte (§8 invariant 8).
type parsedExtras struct {
	zip64 *zip64ExtraFields

	hasUnicodePath bool
	unicodePathCRC uint32
	unicodePath    string

	hasUnicodeComment bool
	unicodeCommentCRC uint32
	unicodeComment    string

	hasModTime bool
	modTime    time.Time
	hasAcTime  bool
	acTime     time.Time
	hasCrTime  bool
	crTime     time.Time

	unknown [][]byte
}

// zip64ExtraFields carries the subset of the classic fields that were
// escalated to 8 bytes. Per APPNOTE, only fields whose classic counterpart
// was the 0xFFFF/0xFFFFFFFF sentinel are present, and they appear in the
// fixed order: uncompressed size, compressed size, local header offset, disk
// start number.
type zip64ExtraFields struct {
	hasUncompressedSize bool
	uncompressedSize    uint64
	hasCompressedSize   bool
	compressedSize      uint64
	hasOffset           bool
	offset              uint64
	hasDiskStart        bool
	diskStart           uint32
}

// parseExtraFields walks a raw extra-field blob. needUncompressedSize,
// needCompressedSize, and needOffset indicate which classic fields were the
// ZIP64 sentinel value and therefore must be resolved from the ZIP64 extra
// block; isLocal selects whether atime/ctime sub-fields of the extended
// timestamp extra are honored (APPNOTE only allows those in local headers).
func parseExtraFields(extra []byte, needUncompressedSize, needCompressedSize, needOffset, isLocal bool) (*parsedExtras, error) {
	out := &parsedExtras{}
	b := readBuf(extra)
	pos := 0
	for len(b) >= 4 {
		start := pos
		tag := b.uint16()
		size := int(b.uint16())
		pos += 4
		if size > len(b) {
			return nil, newError(KindMalformed, "parseExtraFields", nil)
		}
		field := b.sub(size)
		pos += size
		raw := extra[start:pos]

		switch tag {
		case zip64ExtraID:
			z := &zip64ExtraFields{}
			fb := field
			if needUncompressedSize {
				if len(fb) < 8 {
					return nil, newError(KindMalformed, "parseExtraFields", nil)
				}
				z.hasUncompressedSize = true
				z.uncompressedSize = fb.uint64()
			}
			if needCompressedSize {
				if len(fb) < 8 {
					return nil, newError(KindMalformed, "parseExtraFields", nil)
				}
				z.hasCompressedSize = true
				z.compressedSize = fb.uint64()
			}
			if needOffset {
				if len(fb) < 8 {
					return nil, newError(KindMalformed, "parseExtraFields", nil)
				}
				z.hasOffset = true
				z.offset = fb.uint64()
			}
			if len(fb) >= 4 {
				z.hasDiskStart = true
				z.diskStart = fb.uint32()
			}
			out.zip64 = z

		case unicodePathExtraID:
			if len(field) < 5 || field.uint8() != 1 {
				continue
			}
			out.hasUnicodePath = true
			out.unicodePathCRC = field.uint32()
			out.unicodePath = string(field)

		case unicodeCommentExtraID:
			if len(field) < 5 || field.uint8() != 1 {
				continue
			}
			out.hasUnicodeComment = true
			out.unicodeCommentCRC = field.uint32()
			out.unicodeComment = string(field)

		case extTimeExtraID:
			if len(field) < 1 {
				continue
			}
			flags := field.uint8()
			if flags&0x1 != 0 && len(field) >= 4 {
				out.hasModTime = true
				out.modTime = time.Unix(int64(field.uint32()), 0).UTC()
			}
			if isLocal {
				if flags&0x2 != 0 && len(field) >= 4 {
					out.hasAcTime = true
					out.acTime = time.Unix(int64(field.uint32()), 0).UTC()
				}
				if flags&0x4 != 0 && len(field) >= 4 {
					out.hasCrTime = true
					out.crTime = time.Unix(int64(field.uint32()), 0).UTC()
				}
			}

		default:
			out.unknown = append(out.unknown, append([]byte(nil), raw...))
		}
	}
	return out, nil
}

// resolveUnicodeName returns name decoded per §4.4: UTF-8 if the archive
// already marked it so, otherwise the Unicode Path extra field's content if
// its embedded CRC-32 matches the classic bytes, otherwise CP-437.
func resolveUnicodeName(classic []byte, utf8Flag bool, extras *parsedExtras) string {
	if utf8Flag {
		return string(classic)
	}
	if extras != nil && extras.hasUnicodePath && crc32.ChecksumIEEE(classic) == extras.unicodePathCRC {
		return extras.unicodePath
	}
	return decodeCP437(classic)
}

// resolveUnicodeComment is resolveUnicodeName's counterpart for comments.
func resolveUnicodeComment(classic []byte, utf8Flag bool, extras *parsedExtras) string {
	if utf8Flag {
		return string(classic)
	}
	if extras != nil && extras.hasUnicodeComment && crc32.ChecksumIEEE(classic) == extras.unicodeCommentCRC {
		return extras.unicodeComment
	}
	return decodeCP437(classic)
}

// buildZip64Extra encodes a ZIP64 extra field containing exactly the fields
// whose classic counterpart needs escalation, in APPNOTE's fixed order.
func buildZip64Extra(includeSizes, includeOffset bool, uncompressedSize, compressedSize, offset uint64) []byte {
	size := 0
	if includeSizes {
		size += 16
	}
	if includeOffset {
		size += 8
	}
	buf := make([]byte, 4+size)
	b := writeBuf(buf)
	b.uint16(zip64ExtraID)
	b.uint16(uint16(size))
	if includeSizes {
		b.uint64(uncompressedSize)
		b.uint64(compressedSize)
	}
	if includeOffset {
		b.uint64(offset)
	}
	return buf
}

// buildExtTimeExtra encodes an extended-timestamp extra field. atime/ctime
// are only meaningful (and only ever written) in local headers; central
// directory records carry mtime only, per the writer's documented choice
// (§4.6 central directory note).
func buildExtTimeExtra(modTime time.Time, acTime, crTime *time.Time) []byte {
	var flags uint8 = 0x1
	size := 5
	if acTime != nil {
		flags |= 0x2
		size += 4
	}
	if crTime != nil {
		flags |= 0x4
		size += 4
	}
	buf := make([]byte, 4+size)
	b := writeBuf(buf)
	b.uint16(extTimeExtraID)
	b.uint16(uint16(size))
	b.uint8(flags)
	b.uint32(uint32(modTime.Unix()))
	if acTime != nil {
		b.uint32(uint32(acTime.Unix()))
	}
	if crTime != nil {
		b.uint32(uint32(crTime.Unix()))
	}
	return buf
}

// buildUnicodeExtra encodes an Info-ZIP Unicode Path (or Comment) extra
// field: version 1, the CRC-32 of the classic bytes it overrides, and the
// UTF-8 payload.
func buildUnicodeExtra(tag uint16, classic []byte, utf8Value string) []byte {
	size := 5 + len(utf8Value)
	buf := make([]byte, 4+size)
	b := writeBuf(buf)
	b.uint16(tag)
	b.uint16(uint16(size))
	b.uint8(1)
	b.uint32(crc32.ChecksumIEEE(classic))
	b.bytes([]byte(utf8Value))
	return buf
}
