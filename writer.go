package cstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// Version is the container format version.
	// Default: Version2.
	Version Version

	// PageSize is the minimum uncompressed size in bytes of each column
	// chunk. Each chunk is stored in its own page.
	// Default: 64KiB.
	PageSize int

	// SectorSize is the alignment of pages.
	// Default: 512.
	SectorSize int

	// The compression codec to use.
	// Default: SnappyCompression.
	Compression Compression

	// Logger receives debug output.
	// Default: log.NewNopLogger().
	Logger log.Logger
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if !oo.Version.isValid() {
		oo.Version = Version2
	}
	if oo.PageSize < 1 {
		oo.PageSize = defaultPageSize
	} else if oo.PageSize < minPageSize {
		oo.PageSize = minPageSize
	}
	if oo.SectorSize < 1 {
		oo.SectorSize = defaultSectorSize
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.Logger == nil {
		oo.Logger = log.NewNopLogger()
	}

	return &oo
}

// Writer instances can write a container.
type Writer struct {
	f      File
	closer io.Closer
	o      *WriterOptions
	schema *Schema
	id     uuid.UUID

	shredder *Shredder
	columns  []*ColumnWriter
	byName   map[string]int

	numRows uint64
	dirty   bool
	closed  bool
	err     error // sticky, fatal error

	committed bool // version 1 only

	pages      *pageManager
	index      pageIndex
	indexPages []pageRef // pages of the last committed index
	txid       uint64
}

// CreateFile creates a new container file. It fails if the file
// already exists.
func CreateFile(name string, s *Schema, o *WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ioError("create", err)
	}

	w, err := NewWriter(f, s, o)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter wraps f and returns a Writer. Version 2 containers write
// their header immediately.
func NewWriter(f File, s *Schema, o *WriterOptions) (*Writer, error) {
	w := &Writer{
		f:        f,
		o:        o.norm(),
		schema:   s,
		shredder: NewShredder(s),
		byName:   make(map[string]int, len(s.columns)),
	}

	for i, info := range s.columns {
		c, err := newColumnWriter(info, s.leaves[i].bound(), w.o)
		if err != nil {
			return nil, err
		}
		w.columns = append(w.columns, c)
		w.byName[info.Name] = i
	}

	if w.o.Version == Version2 {
		if err := w.init(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Writer) init() error {
	w.id = uuid.New()

	h := &header{
		Version:    Version2,
		ID:         w.id,
		SectorSize: uint32(w.o.SectorSize),
		Columns:    w.schema.columns,
	}
	if _, err := w.f.WriteAt(h.encodeV2(), 0); err != nil {
		return ioError("write header", err)
	}

	for _, c := range w.schema.columns {
		if c.MaxRepetitionLevel > 0 {
			w.index.Entries = append(w.index.Entries, indexEntry{ColumnID: c.ID, Kind: streamRLevels})
		}
		if c.MaxDefinitionLevel > 0 {
			w.index.Entries = append(w.index.Entries, indexEntry{ColumnID: c.ID, Kind: streamDLevels})
		}
		w.index.Entries = append(w.index.Entries, indexEntry{ColumnID: c.ID, Kind: streamValues})
	}

	w.pages = newPageManager(w.f, h.FirstPageOffset, uint64(w.o.SectorSize))
	return nil
}

// ID returns the unique container ID. Version 1 containers have no ID.
func (w *Writer) ID() uuid.UUID { return w.id }

// Schema returns the schema.
func (w *Writer) Schema() *Schema { return w.schema }

// NumRecords returns the number of records added.
func (w *Writer) NumRecords() uint64 { return w.numRows }

// AddRecord shreds and adds a record. Records which violate the schema
// are rejected with an ErrIllegalArgument error and leave the writer
// unchanged.
func (w *Writer) AddRecord(rec Record) error {
	if err := w.writable(); err != nil {
		return err
	}

	entries, err := w.shredder.Shred(rec)
	if err != nil {
		return err
	}

	for i, col := range entries {
		c := w.columns[i]
		for _, e := range col {
			c.write(e.R, e.D, e.Value)
		}
	}

	w.numRows++
	w.dirty = true
	return nil
}

// ColumnWriter returns the writer of the named column for callers that
// shred records themselves. Entries written directly must be accounted
// for with AddRows.
func (w *Writer) ColumnWriter(name string) (*ColumnWriter, error) {
	pos, ok := w.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: column %q", ErrNotFound, name)
	}
	return w.columns[pos], nil
}

// AddRows increments the record count after records were written
// through column writers directly.
func (w *Writer) AddRows(n uint64) error {
	if err := w.writable(); err != nil {
		return err
	}

	w.numRows += n
	w.dirty = true
	return nil
}

// Commit flushes all buffered columns and durably commits the container.
// Version 2 writers may continue to add records after a commit, version 1
// containers can only be committed once.
func (w *Writer) Commit() error {
	if err := w.writable(); err != nil {
		return err
	}

	var err error
	if w.o.Version == Version1 {
		err = w.commitV1()
	} else {
		err = w.commitV2()
	}
	if err != nil {
		w.err = err
		return err
	}

	w.dirty = false
	return nil
}

// Close commits pending records and closes the writer. Files opened by
// CreateFile are closed too.
func (w *Writer) Close() error {
	if w.closed {
		return errClosed
	}

	var err error
	if w.err == nil && w.pending() {
		err = w.Commit()
	}
	w.closed = true

	if w.closer != nil {
		if e := w.closer.Close(); e != nil && err == nil {
			err = ioError("close", e)
		}
	}
	return err
}

func (w *Writer) pending() bool {
	if w.o.Version == Version1 {
		return !w.committed
	}
	return w.dirty || w.txid == 0
}

func (w *Writer) writable() error {
	if w.closed {
		return errClosed
	}
	if w.err != nil {
		return w.err
	}
	if w.committed {
		return errCommitted
	}
	return nil
}

func (w *Writer) commitV1() error {
	h := &header{
		Version: Version1,
		NumRows: w.numRows,
		Columns: w.schema.Columns(),
	}

	offset := uint64(h.size())
	bodies := make([][]byte, len(w.columns))
	for i, c := range w.columns {
		var body []byte
		rlevels, dlevels, values := c.flush()
		for _, chunks := range [][][]byte{rlevels, dlevels, values} {
			body = binary.AppendUvarint(body, uint64(len(chunks)))
			for _, chunk := range chunks {
				body = binary.AppendUvarint(body, uint64(len(chunk)))
				body = append(body, chunk...)
			}
		}

		h.Columns[i].BodyOffset = offset
		h.Columns[i].BodySize = uint64(len(body))
		offset += uint64(len(body))
		bodies[i] = body
	}

	if _, err := w.f.WriteAt(h.encodeV1(), 0); err != nil {
		return ioError("write header", err)
	}

	for i, body := range bodies {
		col := h.Columns[i]
		n, err := w.f.WriteAt(body, int64(col.BodyOffset))
		if err != nil {
			return ioError("write column", err)
		} else if uint64(n) != col.BodySize {
			return fmt.Errorf("%w: column %q wrote %d of %d bytes", ErrIllegalState, col.Name, n, col.BodySize)
		}
	}

	if err := w.f.Sync(); err != nil {
		return ioError("sync", err)
	}

	w.committed = true
	level.Debug(w.o.Logger).Log("msg", "committed container", "version", 1, "rows", w.numRows, "bytes", offset)
	return nil
}

func (w *Writer) commitV2() error {
	var npages int
	var nbytes uint64

	for i, c := range w.columns {
		id := w.schema.columns[i].ID
		rlevels, dlevels, values := c.flush()

		for _, stream := range []struct {
			kind   streamKind
			chunks [][]byte
		}{
			{kind: streamRLevels, chunks: rlevels},
			{kind: streamDLevels, chunks: dlevels},
			{kind: streamValues, chunks: values},
		} {
			if len(stream.chunks) == 0 {
				continue
			}

			e := w.index.entry(id, stream.kind)
			for _, chunk := range stream.chunks {
				ref := w.pages.alloc(len(chunk))
				ref.Used = uint32(len(chunk))
				if err := w.pages.write(ref, chunk); err != nil {
					return err
				}
				e.Pages = append(e.Pages, ref)

				npages++
				nbytes += uint64(len(chunk))
			}
		}
	}

	// pages of the previous index are superseded
	w.index.Free = append(w.index.Free, w.indexPages...)

	capacity := max(w.o.PageSize, w.o.SectorSize) - indexPageHeaderLen
	refs, err := writeIndexPages(w.pages, w.index.encode(), capacity)
	if err != nil {
		return err
	}

	mb := &metablock{
		TxID:        w.txid + 1,
		NumRows:     w.numRows,
		IndexOffset: refs[0].Offset,
		IndexSize:   refs[0].Size,
		FileSize:    w.pages.end,
	}
	if err := w.pages.writeTransaction(mb); err != nil {
		return err
	}

	w.txid = mb.TxID
	w.indexPages = refs
	level.Debug(w.o.Logger).Log("msg", "committed transaction", "txid", mb.TxID, "rows", mb.NumRows, "pages", npages, "bytes", nbytes)
	return nil
}
