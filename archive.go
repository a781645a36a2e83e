package streamzip

import "context"

// Archive is a read-only ZIP archive opened over a ByteSource. Construction
// performs EOCD discovery (§4.2); iteration and lookup are driven from the
// returned CentralDirectoryReader.
type Archive struct {
	ctx  context.Context
	src  ByteSource
	opts ReadOptions
	cd   *CentralDirectoryReader
}

// OpenArchive opens src as a ZIP archive, locating its central directory.
// The returned Archive retains ctx for the lifetime of every EntryReader it
// produces, matching the cooperative suspension model of §5: no goroutine is
// spawned to perform the discovery or any later read.
func OpenArchive(ctx context.Context, src ByteSource, opts ReadOptions) (*Archive, error) {
	opts = opts.setDefaults()
	cd, err := NewCentralDirectoryReader(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	return &Archive{ctx: ctx, src: src, opts: opts, cd: cd}, nil
}

// Location returns the discovered central directory location.
func (a *Archive) Location() CentralDirectoryLocation {
	return a.cd.Location()
}

// Entries returns a fresh iterator over every central directory record, in
// directory order. Each call starts a new pass over the bounded sliding
// buffer; it does not consult or populate the name index.
func (a *Archive) Entries() (*CentralDirectoryReader, error) {
	return NewCentralDirectoryReader(a.ctx, a.src, a.opts)
}

// Next advances the archive's own iterator and wraps the next record as an
// EntryReader, or returns (nil, nil) once the directory is exhausted.
func (a *Archive) Next() (*EntryReader, error) {
	rec, err := a.cd.Next()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return newEntryReader(a.ctx, a.src, a.opts.registry(), rec), nil
}

// Find looks up an entry by decoded name. See CentralDirectoryReader.Find
// for the indexed-vs-streaming cost tradeoff.
func (a *Archive) Find(name string) (*EntryReader, error) {
	rec, err := a.cd.Find(a.ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return newEntryReader(a.ctx, a.src, a.opts.registry(), rec), nil
}

// AllEntries materializes every entry as an EntryReader. The data model
// explicitly cautions against this for large archives (§3); prefer Next in a
// loop when the entry count may be large.
func (a *Archive) AllEntries() ([]*EntryReader, error) {
	cursor, err := a.Entries()
	if err != nil {
		return nil, err
	}
	var out []*EntryReader
	for {
		rec, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return out, nil
		}
		out = append(out, newEntryReader(a.ctx, a.src, a.opts.registry(), rec))
	}
}
