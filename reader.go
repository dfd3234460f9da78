package cstable

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bsm/cstable/internal/mmap"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// Logger receives warnings about recoverable inconsistencies.
	// Default: log.NewNopLogger().
	Logger log.Logger
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}

	if oo.Logger == nil {
		oo.Logger = log.NewNopLogger()
	}
	return &oo
}

// Reader instances provide access to the columns of a container. Readers
// are immutable and may be shared across goroutines, column readers and
// materializers may not.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	size   int64
	o      *ReaderOptions

	version Version
	id      uuid.UUID
	txid    uint64
	numRows uint64
	columns []ColumnInfo
	byName  map[string]int
	index   *pageIndex // version 2 only
}

// OpenFile memory-maps and opens a container file.
func OpenFile(name string, o *ReaderOptions) (*Reader, error) {
	f, err := mmap.Open(name)
	if err != nil {
		return nil, ioError("open", err)
	}

	r, err := NewReader(f, int64(f.Len()), o)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader opens a container of the given size.
func NewReader(r io.ReaderAt, size int64, o *ReaderOptions) (*Reader, error) {
	h, err := readHeader(r, size)
	if err != nil {
		return nil, err
	}

	rd := &Reader{
		r:       r,
		size:    size,
		o:       o.norm(),
		version: h.Version,
		columns: h.Columns,
		byName:  make(map[string]int, len(h.Columns)),
	}
	for i, c := range h.Columns {
		rd.byName[c.Name] = i
	}

	switch h.Version {
	case Version1:
		rd.numRows = h.NumRows
	case Version2:
		rd.id = h.ID
		if err := rd.loadTransaction(h); err != nil {
			return nil, err
		}
	}
	return rd, nil
}

func (r *Reader) loadTransaction(h *header) error {
	var mbs [2]metablock
	var valid [2]bool
	best := -1
	for i, raw := range h.Metablocks {
		valid[i] = mbs[i].decode(raw) && mbs[i].TxID > 0 && mbs[i].TxID%2 == uint64(i)
		if valid[i] && (best < 0 || mbs[i].TxID > mbs[best].TxID) {
			best = i
		}
	}
	if best < 0 {
		return errNoMetablock
	}
	if other := 1 - best; !valid[other] && !bytes.Equal(h.Metablocks[other], make([]byte, metablockLen)) {
		level.Warn(r.o.Logger).Log("msg", "ignoring invalid metablock", "slot", other, "txid", mbs[best].TxID)
	}

	mb := mbs[best]
	if mb.FileSize > uint64(r.size) {
		return errTruncated
	}

	blob, err := readIndexPages(r.r, mb.IndexOffset, mb.IndexSize, mb.FileSize)
	if err != nil {
		return err
	}
	index, err := decodePageIndex(blob)
	if err != nil {
		return err
	}
	for _, e := range index.Entries {
		for _, p := range e.Pages {
			if p.Offset < h.FirstPageOffset || p.Offset+uint64(p.Size) > mb.FileSize {
				return fmt.Errorf("%w: page at %d is out of bounds", ErrInvalidContainer, p.Offset)
			}
		}
	}

	for i := range r.columns {
		r.columns[i].BodySize = index.usedBytes(r.columns[i].ID)
	}
	r.txid = mb.TxID
	r.numRows = mb.NumRows
	r.index = index
	return nil
}

// Version returns the format version.
func (r *Reader) Version() Version { return r.version }

// ID returns the unique container ID. Version 1 containers have no ID.
func (r *Reader) ID() uuid.UUID { return r.id }

// Transaction returns the ID of the committed transaction. Version 1
// containers always return 0.
func (r *Reader) Transaction() uint64 { return r.txid }

// NumRecords returns the number of records.
func (r *Reader) NumRecords() uint64 { return r.numRows }

// Columns returns info on all columns.
func (r *Reader) Columns() []ColumnInfo {
	return append([]ColumnInfo(nil), r.columns...)
}

// ColumnNames returns the names of all columns.
func (r *Reader) ColumnNames() []string {
	names := make([]string, 0, len(r.columns))
	for _, c := range r.columns {
		names = append(names, c.Name)
	}
	return names
}

// HasColumn returns true if the named column exists.
func (r *Reader) HasColumn(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Column returns info on the named column.
// It may return an ErrNotFound error.
func (r *Reader) Column(name string) (ColumnInfo, error) {
	pos, ok := r.byName[name]
	if !ok {
		return ColumnInfo{}, fmt.Errorf("%w: column %q", ErrNotFound, name)
	}
	return r.columns[pos], nil
}

// ColumnReader returns a new cursor over the named column.
// It may return an ErrNotFound error.
func (r *Reader) ColumnReader(name string) (*ColumnReader, error) {
	info, err := r.Column(name)
	if err != nil {
		return nil, err
	}

	if r.version == Version1 {
		rlevels, dlevels, values, err := r.v1Chunks(&info)
		if err != nil {
			return nil, err
		}
		return newColumnReader(r.r, info, rlevels, dlevels, values)
	}

	return newColumnReader(r.r, info,
		r.index.chunks(info.ID, streamRLevels),
		r.index.chunks(info.ID, streamDLevels),
		r.index.chunks(info.ID, streamValues),
	)
}

// v1Chunks locates the chunks of a version 1 column body.
//
//	+---------------------+-------------------+---------+-----+
//	| num chunks (varint) | length (varint)   | chunk 1 | ... |
//	+---------------------+-------------------+---------+-----+
//
// Repetition levels, definition levels and values are stored in this order.
func (r *Reader) v1Chunks(info *ColumnInfo) (rlevels, dlevels, values []chunkRef, err error) {
	d := newDecoder(io.NewSectionReader(r.r, int64(info.BodyOffset), int64(info.BodySize)))
	end := int64(info.BodyOffset + info.BodySize)

	var streams [3][]chunkRef
	for i := range streams {
		n := d.uvarint()
		if n > info.BodySize {
			d.fail(errTruncated)
		}

		for j := uint64(0); j < n && d.err == nil; j++ {
			sz := d.uvarint()
			streams[i] = append(streams[i], chunkRef{offset: end - d.limit, size: int64(sz)})
			d.skip(sz)
		}
	}
	if d.err != nil {
		return nil, nil, nil, d.err
	}
	return streams[0], streams[1], streams[2], nil
}

// Close releases the underlying file if the reader was opened with
// OpenFile.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
