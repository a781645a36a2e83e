package streamzip

import (
	"os"
	"time"
)

// Compression methods recognized by the default CompressionRegistry.
const (
	Store   uint16 = 0 // no compression
	Deflate uint16 = 8 // DEFLATE compressed
)

const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	directory64LocSignature  = 0x07064b50
	directory64EndSignature  = 0x06064b50
	dataDescriptorSignature  = 0x08074b50 // de-facto standard; required by some extractors

	fileHeaderLen       = 30 // + name + extra
	directoryHeaderLen  = 46 // + name + extra + comment
	directoryEndLen     = 22 // + comment
	dataDescriptorLen   = 16 // signature, crc32, compressed size, size (all uint32)
	dataDescriptor64Len = 24 // signature, crc32, compressed size, size (uint64 sizes)
	directory64LocLen   = 20
	directory64EndLen   = 56 // + extensible data sector

	extTimeExtraMinLen = 5 // uint8 flags + one uint32 timestamp

	// Constants for the high byte of CreatorVersion / ReaderVersion.
	creatorFAT    = 0
	creatorUnix   = 3
	creatorNTFS   = 11
	creatorVFAT   = 14
	creatorMacOSX = 19

	zipVersion20 = 20 // 2.0 -- default
	zipVersion45 = 45 // 4.5 -- ZIP64 extensions

	uint16max = (1 << 16) - 1
	uint32max = (1 << 32) - 1

	// Extra field tags. IDs 0..31 are reserved for PKWARE; everything above
	// is vendor-assigned. See http://mdfs.net/Docs/Comp/Archiving/Zip/ExtraField
	zip64ExtraID           = 0x0001 // ZIP64 extended information
	unicodePathExtraID     = 0x7075 // Info-ZIP Unicode Path
	unicodeCommentExtraID  = 0x6375 // Info-ZIP Unicode Comment
	extTimeExtraID         = 0x5455 // Extended timestamp

	// General purpose bit flags.
	flagEncrypted      = 1 << 0
	flagDataDescriptor = 1 << 3
	flagUTF8           = 1 << 11
)

const (
	// Unix mode bits. The ZIP spec doesn't define these, but every major
	// implementation agrees on them.
	sIFMT   = 0xf000
	sIFSOCK = 0xc000
	sIFLNK  = 0xa000
	sIFREG  = 0x8000
	sIFBLK  = 0x6000
	sIFDIR  = 0x4000
	sIFCHR  = 0x2000
	sIFIFO  = 0x1000
	sISUID  = 0x800
	sISGID  = 0x400
	sISVTX  = 0x200

	msdosDir      = 0x10
	msdosReadOnly = 0x01
)

// timeToMsDosTime converts a time.Time to an MS-DOS date and time, which has
// a resolution of 2 seconds. See
// https://learn.microsoft.com/en-us/windows/win32/api/winbase/nf-winbase-dosdatetimetofiletime
func timeToMsDosTime(t time.Time) (date, dosTime uint16) {
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	dosTime = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}

// msDosTimeToTime is the inverse of timeToMsDosTime.
func msDosTimeToTime(date, dosTime uint16) time.Time {
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f)*2,
		0,
		time.UTC,
	)
}

// modeFromAttrs derives an os.FileMode from the creator-version/external-attrs
// pair stored in a central directory record, mirroring the handful of
// creator systems that actually populate meaningful bits.
func modeFromAttrs(creatorVersion uint16, externalAttrs uint32, name string) (mode os.FileMode) {
	switch creatorVersion >> 8 {
	case creatorUnix, creatorMacOSX:
		mode = unixModeToFileMode(externalAttrs >> 16)
	case creatorNTFS, creatorVFAT, creatorFAT:
		mode = msdosModeToFileMode(externalAttrs)
	}
	if len(name) > 0 && name[len(name)-1] == '/' {
		mode |= os.ModeDir
	}
	return mode
}

// attrsFromMode is the inverse of modeFromAttrs: it populates a creator
// version high byte and external attributes pair from an os.FileMode,
// matching both the Unix and legacy MS-DOS attribute conventions (as most
// implementations that care about one also populate the other).
func attrsFromMode(mode os.FileMode) (creatorVersionHighByte uint8, externalAttrs uint32) {
	externalAttrs = fileModeToUnixMode(mode) << 16
	if mode&os.ModeDir != 0 {
		externalAttrs |= msdosDir
	}
	if mode&0200 == 0 {
		externalAttrs |= msdosReadOnly
	}
	return creatorUnix, externalAttrs
}

func msdosModeToFileMode(m uint32) (mode os.FileMode) {
	if m&msdosDir != 0 {
		mode = os.ModeDir | 0777
	} else {
		mode = 0666
	}
	if m&msdosReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func fileModeToUnixMode(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = sIFREG
	case os.ModeDir:
		m = sIFDIR
	case os.ModeSymlink:
		m = sIFLNK
	case os.ModeNamedPipe:
		m = sIFIFO
	case os.ModeSocket:
		m = sIFSOCK
	case os.ModeDevice:
		if mode&os.ModeCharDevice != 0 {
			m = sIFCHR
		} else {
			m = sIFBLK
		}
	}
	if mode&os.ModeSetuid != 0 {
		m |= sISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= sISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= sISVTX
	}
	return m | uint32(mode&0777)
}

func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & sIFMT {
	case sIFBLK:
		mode |= os.ModeDevice
	case sIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case sIFDIR:
		mode |= os.ModeDir
	case sIFIFO:
		mode |= os.ModeNamedPipe
	case sIFLNK:
		mode |= os.ModeSymlink
	case sIFREG:
		// nothing to do
	case sIFSOCK:
		mode |= os.ModeSocket
	}
	if m&sISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&sISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&sISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// isZip64Size reports whether a compressed/uncompressed size pair requires
// ZIP64 extensions to represent.
func isZip64Size(compressedSize, uncompressedSize uint64) bool {
	return compressedSize >= uint32max || uncompressedSize >= uint32max
}
