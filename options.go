package streamzip

import (
	"os"
	"time"
)

const defaultCentralDirectoryBufferSize = 64 * 1024

// ReadOptions configures archive opening and central directory iteration, as
// enumerated in §6.
type ReadOptions struct {
	// CentralDirectoryBufferSize is the sliding read buffer size used while
	// iterating central directory records. Must be at least 46 bytes (the
	// fixed part of a record); a record's variable part that is longer than
	// the buffer is read directly from the source. Defaults to 64 KiB.
	CentralDirectoryBufferSize int
	// CreateEntryIndex enables building a name -> offset index on the first
	// full iteration, trading a single extra pass for O(1) average Find.
	CreateEntryIndex bool
	// Processors overrides or extends the default CompressionRegistry used
	// to decompress entries. A nil value falls back to NewCompressionRegistry().
	Processors *CompressionRegistry
	// Logger, if set, receives a diagnostic message when the central
	// directory is found to use ZIP64 fields. Never required.
	Logger Logger
}

func (o ReadOptions) logger() Logger {
	return loggerOrNoop(o.Logger)
}

func (o ReadOptions) setDefaults() ReadOptions {
	if o.CentralDirectoryBufferSize == 0 {
		o.CentralDirectoryBufferSize = defaultCentralDirectoryBufferSize
	}
	return o
}

// Validate rejects option values outside their documented domain.
func (o ReadOptions) Validate() error {
	if o.CentralDirectoryBufferSize <= 0 {
		return newError(KindInvalidOption, "ReadOptions.Validate", nil)
	}
	if o.CentralDirectoryBufferSize < directoryHeaderLen {
		return newError(KindInvalidOption, "ReadOptions.Validate", nil)
	}
	return nil
}

func (o ReadOptions) registry() *CompressionRegistry {
	if o.Processors != nil {
		return o.Processors
	}
	return NewCompressionRegistry()
}

// WriteOptions configures an ArchiveWriter.
type WriteOptions struct {
	// ForceZip64 always emits ZIP64 records, even when classic fields would
	// suffice. Useful for archives expected to grow past the threshold.
	ForceZip64 bool
	// Processors overrides or extends the default CompressionRegistry used
	// to compress entries.
	Processors *CompressionRegistry
	// Logger, if set, receives a diagnostic message with the entry count and
	// byte size of the central directory when it is written. Never required.
	Logger Logger
}

func (o WriteOptions) logger() Logger {
	return loggerOrNoop(o.Logger)
}

func (o WriteOptions) registry() *CompressionRegistry {
	if o.Processors != nil {
		return o.Processors
	}
	return NewCompressionRegistry()
}

// Validate rejects option values outside their documented domain. WriteOptions
// currently has no invalid combinations, but the method exists so callers
// have one uniform place to check before construction.
func (o WriteOptions) Validate() error {
	return nil
}

// EntrySourceOptions configures a single output entry: its name, metadata,
// and how its payload should be compressed.
type EntrySourceOptions struct {
	FileName    string
	FileComment string

	// ForceUTF8FileName sets general-purpose bit 11 and encodes FileName as
	// UTF-8 even when it is representable in CP-437.
	ForceUTF8FileName bool

	// CompressionMethod selects the registered DataProcessor used to
	// compress the payload. Defaults to Deflate. A pointer, not a bare
	// uint16, because Store is 0: an explicit Store needs to be
	// distinguishable from nil, which means "the caller didn't say".
	CompressionMethod *uint16

	// ForceZip64 writes this entry's data descriptor with 8-byte sizes and
	// gives its central record a ZIP64 extra, regardless of its size. The
	// local header is the same as without it.
	ForceZip64 bool

	MinMadeByVersion     uint16
	MinExtractionVersion uint16

	ModTime time.Time
	AcTime  *time.Time
	CrTime  *time.Time

	// UnicodeFileNameField and UnicodeCommentField additionally emit an
	// Info-ZIP Unicode extra field alongside a CP-437-encoded classic name
	// or comment, so that readers ignorant of bit 11 still recover the
	// original text (§4.4).
	UnicodeFileNameField bool
	UnicodeCommentField  bool

	// ExtendedTimeStampField emits a 0x5455 extra field carrying ModTime
	// (and AcTime/CrTime in local headers). Defaults to true.
	ExtendedTimeStampField *bool

	InternalFileAttributes uint16
	ExternalFileAttributes uint32

	Mode os.FileMode

	// Processors overrides the write-side CompressionRegistry used for this
	// entry only.
	Processors *CompressionRegistry
}

func (o EntrySourceOptions) setDefaults() EntrySourceOptions {
	if o.MinMadeByVersion == 0 {
		o.MinMadeByVersion = zipVersion20
	}
	if o.MinExtractionVersion == 0 {
		o.MinExtractionVersion = zipVersion20
	}
	if o.ExtendedTimeStampField == nil {
		t := true
		o.ExtendedTimeStampField = &t
	}
	if o.CompressionMethod == nil {
		m := Deflate
		o.CompressionMethod = &m
	}
	if o.ModTime.IsZero() {
		o.ModTime = time.Now()
	}
	return o
}

func (o EntrySourceOptions) compressionMethod() uint16 {
	if o.CompressionMethod == nil {
		return Deflate
	}
	return *o.CompressionMethod
}

// methodPtr is a convenience for populating EntrySourceOptions.CompressionMethod
// from the Store/Deflate constants, which (being typed constants) can't be
// addressed directly.
func methodPtr(m uint16) *uint16 {
	return &m
}

// Validate rejects option values outside their documented domain.
func (o EntrySourceOptions) Validate() error {
	if o.FileName == "" {
		return newError(KindInvalidOption, "EntrySourceOptions.Validate", nil)
	}
	return nil
}

func (o EntrySourceOptions) extendedTimeStamp() bool {
	return o.ExtendedTimeStampField == nil || *o.ExtendedTimeStampField
}

// MergeSource is one input archive to an ArchiveMerger: its ByteSource, an
// optional base path prefix to strip, a destination path prefix to prepend,
// and an optional filter selecting which entries to include.
type MergeSource struct {
	Source          ByteSource
	BasePath        string
	DestinationPath string
	// Filter, if non-nil, is called with each entry's decoded name (after
	// BasePath has been stripped); returning false skips the entry.
	Filter func(name string) bool

	ReadOptions ReadOptions
}

// MergeOptions configures an ArchiveMerger.
type MergeOptions struct {
	EntrySourceOptions func(sourceName string) EntrySourceOptions
	WriteOptions       WriteOptions
	// NextPrependingEntry, if set, is called repeatedly before any source
	// archive is read; each EntrySource it returns is spliced in ahead of
	// the archive contents, until it returns false, after which it is not
	// called again.
	NextPrependingEntry func() (EntrySource, bool)
}
