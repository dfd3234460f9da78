package cstable

import (
	"encoding/binary"
	"fmt"
	"io"
)

const indexPageHeaderLen = 16

// indexEntry lists the pages of a single column stream, in order.
type indexEntry struct {
	ColumnID uint32
	Kind     streamKind
	Pages    []pageRef
}

// pageIndex maps column streams to their page chains.
//
//	+-----------------------+---------+-----+---------+--------------------------+-------------+-----+
//	| num entries (4 bytes) | entry 1 | ... | entry n | free page count (varint) | free page 1 | ... |
//	+-----------------------+---------+-----+---------+--------------------------+-------------+-----+
//
//	Entry:
//	+--------------------+---------------+----------------+------------------------------------+-----+
//	| column id (varint) | kind (varint) | pages (varint) | offset, size, used (varint) page 1 | ... |
//	+--------------------+---------------+----------------+------------------------------------+-----+
type pageIndex struct {
	Entries []indexEntry
	Free    []pageRef
}

func (x *pageIndex) entry(columnID uint32, kind streamKind) *indexEntry {
	for i := range x.Entries {
		if e := &x.Entries[i]; e.ColumnID == columnID && e.Kind == kind {
			return e
		}
	}
	return nil
}

// chunks returns the chunk locations of a stream.
func (x *pageIndex) chunks(columnID uint32, kind streamKind) []chunkRef {
	e := x.entry(columnID, kind)
	if e == nil {
		return nil
	}

	refs := make([]chunkRef, 0, len(e.Pages))
	for _, p := range e.Pages {
		refs = append(refs, chunkRef{offset: int64(p.Offset), size: int64(p.Used)})
	}
	return refs
}

// usedBytes returns the sum of used page bytes of a column.
func (x *pageIndex) usedBytes(columnID uint32) uint64 {
	var n uint64
	for _, e := range x.Entries {
		if e.ColumnID != columnID {
			continue
		}
		for _, p := range e.Pages {
			n += uint64(p.Used)
		}
	}
	return n
}

func (x *pageIndex) encode() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(x.Entries)))
	for _, e := range x.Entries {
		buf = binary.AppendUvarint(buf, uint64(e.ColumnID))
		buf = binary.AppendUvarint(buf, uint64(e.Kind))
		buf = binary.AppendUvarint(buf, uint64(len(e.Pages)))
		for _, p := range e.Pages {
			buf = binary.AppendUvarint(buf, p.Offset)
			buf = binary.AppendUvarint(buf, uint64(p.Size))
			buf = binary.AppendUvarint(buf, uint64(p.Used))
		}
	}

	buf = binary.AppendUvarint(buf, uint64(len(x.Free)))
	for _, p := range x.Free {
		buf = binary.AppendUvarint(buf, p.Offset)
		buf = binary.AppendUvarint(buf, uint64(p.Size))
	}
	return buf
}

func decodePageIndex(p []byte) (*pageIndex, error) {
	d := newBytesDecoder(p)
	x := new(pageIndex)

	n := d.uint32()
	if int(n) > len(p) {
		return nil, errTruncated
	}

	x.Entries = make([]indexEntry, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		e := indexEntry{
			ColumnID: uint32(d.uvarint()),
			Kind:     streamKind(d.uvarint()),
		}
		if e.Kind < streamValues || e.Kind > streamDLevels {
			d.fail(fmt.Errorf("%w: bad index entry type %d", ErrInvalidContainer, e.Kind))
		}

		np := d.uvarint()
		if np > uint64(len(p)) {
			d.fail(errTruncated)
		}
		for j := uint64(0); j < np && d.err == nil; j++ {
			ref := pageRef{Offset: d.uvarint(), Size: uint32(d.uvarint()), Used: uint32(d.uvarint())}
			if ref.Used > ref.Size {
				d.fail(fmt.Errorf("%w: page at %d overflows", ErrInvalidContainer, ref.Offset))
			}
			e.Pages = append(e.Pages, ref)
		}
		x.Entries = append(x.Entries, e)
	}

	nf := d.uvarint()
	if nf > uint64(len(p)) {
		d.fail(errTruncated)
	}
	for i := uint64(0); i < nf && d.err == nil; i++ {
		x.Free = append(x.Free, pageRef{Offset: d.uvarint(), Size: uint32(d.uvarint())})
	}

	if d.err != nil {
		return nil, d.err
	}
	return x, nil
}

// --------------------------------------------------------------------

// writeIndexPages writes blob into a chain of pages holding at most
// capacity payload bytes each. Each page starts with a header:
//
//	+----------------------------+--------------------------+----------------+
//	| next page offset (8 bytes) | next page size (4 bytes) | used (4 bytes) |
//	+----------------------------+--------------------------+----------------+
//
// The last page has a zero next page offset.
func writeIndexPages(m *pageManager, blob []byte, capacity int) ([]pageRef, error) {
	n := (len(blob) + capacity - 1) / capacity
	if n == 0 {
		n = 1
	}

	refs := make([]pageRef, n)
	for i := range refs {
		sz := min(capacity, len(blob)-i*capacity)
		refs[i] = m.alloc(indexPageHeaderLen + sz)
		refs[i].Used = uint32(sz)
	}

	buf := make([]byte, 0, indexPageHeaderLen+capacity)
	for i, ref := range refs {
		var next pageRef
		if i+1 < len(refs) {
			next = refs[i+1]
		}

		buf = binary.LittleEndian.AppendUint64(buf[:0], next.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, next.Size)
		buf = binary.LittleEndian.AppendUint32(buf, ref.Used)
		buf = append(buf, blob[i*capacity:i*capacity+int(ref.Used)]...)
		if err := m.write(ref, buf); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// readIndexPages follows a chain of index pages and returns the blob.
func readIndexPages(r io.ReaderAt, offset uint64, size uint32, fileSize uint64) ([]byte, error) {
	var blob []byte
	var hdr [indexPageHeaderLen]byte

	for hops := uint64(0); offset != 0; hops++ {
		if size < indexPageHeaderLen || offset+uint64(size) > fileSize || hops > fileSize/indexPageHeaderLen {
			return nil, fmt.Errorf("%w: bad index page at %d", ErrInvalidContainer, offset)
		}

		if err := readAt(r, hdr[:], int64(offset)); err != nil {
			return nil, ioError("read index", err)
		}
		next := binary.LittleEndian.Uint64(hdr[0:])
		nextSize := binary.LittleEndian.Uint32(hdr[8:])
		used := binary.LittleEndian.Uint32(hdr[12:])
		if used > size-indexPageHeaderLen {
			return nil, fmt.Errorf("%w: bad index page at %d", ErrInvalidContainer, offset)
		}

		pos := len(blob)
		blob = append(blob, make([]byte, used)...)
		if err := readAt(r, blob[pos:], int64(offset)+indexPageHeaderLen); err != nil {
			return nil, ioError("read index", err)
		}

		offset, size = next, nextSize
	}
	return blob, nil
}
