package streamzip

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// detectUTF8 reports whether s is valid UTF-8, and whether it must be
// considered UTF-8 (i.e. not representable in CP-437 or a similar legacy
// encoding). Adapted from the classic archive/zip heuristic: names in the
// 0x20-0x7d ASCII range (excluding '\' and '~') are left alone so that
// CP-437-only readers keep working, since the vast majority of encodings
// agree on that range.
func detectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false, false
			}
			require = true
		}
	}
	return true, require
}

// encodeCP437 converts a UTF-8 string to CP-437 bytes, the legacy default
// code page for ZIP names and comments when the UTF-8 general-purpose flag
// is unset. It fails with KindEncodingUnsupported if a code point has no
// CP-437 representation.
func encodeCP437(s string) ([]byte, error) {
	out, err := charmap.CodePage437.NewEncoder().String(s)
	if err != nil {
		return nil, newError(KindEncodingUnsupported, "encodeCP437", err)
	}
	return []byte(out), nil
}

// decodeCP437 converts CP-437 bytes to a UTF-8 string. Every byte value 0-255
// has a CP-437 mapping, so this never fails.
func decodeCP437(b []byte) string {
	out, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		// charmap decoders are total functions over single-byte code pages;
		// this would only trip on an encoding bug.
		return string(b)
	}
	return string(out)
}
