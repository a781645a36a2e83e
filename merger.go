package streamzip

import (
	"context"
	"strings"
)

// ArchiveMerger drives an ArchiveWriter from one or more already-written
// archives, copying each selected entry's compressed payload verbatim
// (§4.8): it owns neither the source archives' ByteSources nor the writer it
// produces, only the composition between them.
type ArchiveMerger struct {
	sources []MergeSource
	opts    MergeOptions
}

// NewArchiveMerger constructs a merger over sources, applied in order.
func NewArchiveMerger(sources []MergeSource, opts MergeOptions) *ArchiveMerger {
	return &ArchiveMerger{sources: sources, opts: opts}
}

// mergeCursor walks one source archive's central directory, yielding
// rawEntrySource values for entries that survive BasePath/Filter.
type mergeCursor struct {
	ctx    context.Context
	source MergeSource
	reader *CentralDirectoryReader
}

func newMergeCursor(ctx context.Context, source MergeSource) (*mergeCursor, error) {
	reader, err := NewCentralDirectoryReader(ctx, source.Source, source.ReadOptions)
	if err != nil {
		return nil, err
	}
	return &mergeCursor{ctx: ctx, source: source, reader: reader}, nil
}

// next returns the next surviving entry's EntrySource, or ok=false once the
// source archive is exhausted.
func (c *mergeCursor) next(reg *CompressionRegistry) (EntrySource, bool, error) {
	for {
		rec, err := c.reader.Next()
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			return nil, false, nil
		}

		entry := newEntryReader(c.ctx, c.source.Source, reg, rec)
		name, err := entry.Name()
		if err != nil {
			return nil, false, err
		}

		if c.source.BasePath != "" {
			if !strings.HasPrefix(name, c.source.BasePath) {
				continue
			}
			name = strings.TrimPrefix(name, c.source.BasePath)
		}
		if c.source.Filter != nil && !c.source.Filter(name) {
			continue
		}
		destName := c.source.DestinationPath + name

		src, err := NewRawEntrySource(c.ctx, entry, c.source.Source, destName)
		if err != nil {
			return nil, false, err
		}
		return src, true, nil
	}
}

// OutputArchive returns an ArchiveWriter that, when driven to completion,
// produces the merged archive: whatever NextPrependingEntry supplies, drained
// once ahead of the archive contents (§4.8), followed by every MergeSource's
// surviving entries, each copied without recompression.
func (m *ArchiveMerger) OutputArchive(ctx context.Context) (*ArchiveWriter, error) {
	reg := m.opts.WriteOptions.registry()
	sourceIdx := 0
	var cursor *mergeCursor
	prependsDrained := false

	factory := EntrySourceFactory(func() (EntrySource, bool, error) {
		if !prependsDrained && m.opts.NextPrependingEntry != nil {
			if src, ok := m.opts.NextPrependingEntry(); ok {
				return src, true, nil
			}
			prependsDrained = true
		}

		for {
			if cursor == nil {
				if sourceIdx >= len(m.sources) {
					return nil, false, nil
				}
				c, err := newMergeCursor(ctx, m.sources[sourceIdx])
				if err != nil {
					return nil, false, err
				}
				cursor = c
			}

			src, ok, err := cursor.next(reg)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				cursor = nil
				sourceIdx++
				continue
			}
			return src, true, nil
		}
	})

	return NewArchiveWriter(factory, m.opts.WriteOptions)
}
