package cstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
)

var checksumTable = crc32.MakeTable(crc32.Castagnoli)

// File is the storage a Writer writes to. *os.File satisfies it.
type File interface {
	io.WriterAt
	Sync() error
}

// pageRef is an allocated page.
type pageRef struct {
	Offset uint64
	Size   uint32 // allocated size, a multiple of the sector size
	Used   uint32 // bytes of payload
}

// pageManager allocates sector-aligned pages at the end of a file.
// Pages are never reused.
type pageManager struct {
	f      File
	sector uint64
	end    uint64 // current end of file

	allocated uint64 // bytes allocated since the last transaction
	written   uint64 // bytes written since the last transaction
}

func newPageManager(f File, end, sector uint64) *pageManager {
	return &pageManager{f: f, end: end, sector: sector}
}

func (m *pageManager) roundUp(n uint64) uint64 {
	if n == 0 {
		return m.sector
	}
	return (n + m.sector - 1) / m.sector * m.sector
}

// alloc returns the next page with room for at least n bytes.
func (m *pageManager) alloc(n int) pageRef {
	size := m.roundUp(uint64(n))
	ref := pageRef{Offset: m.end, Size: uint32(size)}
	m.end += size
	m.allocated += size
	return ref
}

// write writes data to the page, padding it with zeros.
func (m *pageManager) write(ref pageRef, data []byte) error {
	if len(data) > int(ref.Size) {
		return fmt.Errorf("%w: page overflow, %d > %d bytes", ErrIllegalState, len(data), ref.Size)
	}

	buf := fetchBuffer(int(ref.Size))
	defer releaseBuffer(buf)

	n := copy(buf, data)
	clear(buf[n:])

	if n, err := m.f.WriteAt(buf, int64(ref.Offset)); err != nil {
		return ioError("write page", err)
	} else if n != len(buf) {
		return fmt.Errorf("%w: short page write, %d != %d bytes", ErrIllegalState, n, len(buf))
	}
	m.written += uint64(ref.Size)
	return nil
}

// writeTransaction durably commits mb: all pages are synced first, then
// the metablock is written to slot txid%2 and synced again.
func (m *pageManager) writeTransaction(mb *metablock) error {
	if m.written != m.allocated {
		return fmt.Errorf("%w: %d bytes allocated but %d bytes written", ErrIllegalState, m.allocated, m.written)
	}

	if err := m.f.Sync(); err != nil {
		return ioError("sync pages", err)
	}

	var buf [metablockLen]byte
	mb.encode(buf[:])
	if n, err := m.f.WriteAt(buf[:], mb.slotOffset()); err != nil {
		return ioError("write metablock", err)
	} else if n != len(buf) {
		return fmt.Errorf("%w: short metablock write", ErrIllegalState)
	}

	if err := m.f.Sync(); err != nil {
		return ioError("sync metablock", err)
	}

	m.allocated, m.written = 0, 0
	return nil
}

// --------------------------------------------------------------------

const metablockLen = 40

// metablock is the transactional root of a version 2 container.
//
//	+----------+--------------+------------------+----------------+---------------+------------+
//	| txid (8) | num rows (8) | index offset (8) | index size (4) | file size (8) | crc32c (4) |
//	+----------+--------------+------------------+----------------+---------------+------------+
type metablock struct {
	TxID        uint64
	NumRows     uint64
	IndexOffset uint64
	IndexSize   uint32
	FileSize    uint64
}

func (mb *metablock) slotOffset() int64 {
	return int64(v2MetablockOffset + (mb.TxID%2)*metablockLen)
}

func (mb *metablock) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], mb.TxID)
	binary.LittleEndian.PutUint64(buf[8:], mb.NumRows)
	binary.LittleEndian.PutUint64(buf[16:], mb.IndexOffset)
	binary.LittleEndian.PutUint32(buf[24:], mb.IndexSize)
	binary.LittleEndian.PutUint64(buf[28:], mb.FileSize)
	binary.LittleEndian.PutUint32(buf[36:], crc32.Checksum(buf[:36], checksumTable))
}

// decode parses buf and reports whether the checksum is valid.
func (mb *metablock) decode(buf []byte) bool {
	if crc32.Checksum(buf[:36], checksumTable) != binary.LittleEndian.Uint32(buf[36:]) {
		return false
	}

	mb.TxID = binary.LittleEndian.Uint64(buf[0:])
	mb.NumRows = binary.LittleEndian.Uint64(buf[8:])
	mb.IndexOffset = binary.LittleEndian.Uint64(buf[16:])
	mb.IndexSize = binary.LittleEndian.Uint32(buf[24:])
	mb.FileSize = binary.LittleEndian.Uint64(buf[28:])
	return true
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}

// readAt reads exactly len(p) bytes at off.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
