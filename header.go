package cstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	v1HeaderLen       = 26
	v1ColumnHeaderLen = 32

	v2MetablockOffset = 26
	v2ReservedOffset  = v2MetablockOffset + 2*metablockLen
	v2ReservedLen     = 128
	v2HeaderLen       = v2ReservedOffset + v2ReservedLen
)

type header struct {
	Version Version
	Flags   uint64
	Columns []ColumnInfo

	// version 1
	NumRows uint64

	// version 2
	ID              uuid.UUID
	SectorSize      uint32
	FirstPageOffset uint64
	Metablocks      [2][]byte
}

func (h *header) encodeV1() []byte {
	buf := make([]byte, 0, h.size())
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(Version1))
	buf = binary.LittleEndian.AppendUint64(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint64(buf, h.NumRows)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Columns)))

	for _, c := range h.Columns {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Type)<<16|uint32(c.Encoding))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Name)))
		buf = append(buf, c.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, c.MaxRepetitionLevel)
		buf = binary.LittleEndian.AppendUint32(buf, c.MaxDefinitionLevel)
		buf = binary.LittleEndian.AppendUint64(buf, c.BodyOffset)
		buf = binary.LittleEndian.AppendUint64(buf, c.BodySize)
	}
	return buf
}

// size returns the encoded size of a version 1 header.
func (h *header) size() int {
	n := v1HeaderLen
	for _, c := range h.Columns {
		n += v1ColumnHeaderLen + len(c.Name)
	}
	return n
}

// encodeV2 encodes a version 2 header with empty metablocks, padded to
// the first page offset.
func (h *header) encodeV2() []byte {
	var cols []byte
	cols = binary.AppendUvarint(cols, uint64(len(h.Columns)))
	for _, c := range h.Columns {
		cols = binary.AppendUvarint(cols, uint64(c.Type))
		cols = binary.AppendUvarint(cols, uint64(c.Encoding))
		cols = binary.AppendUvarint(cols, uint64(c.ID))
		cols = binary.AppendUvarint(cols, uint64(len(c.Name)))
		cols = append(cols, c.Name...)
		cols = binary.AppendUvarint(cols, uint64(c.MaxRepetitionLevel))
		cols = binary.AppendUvarint(cols, uint64(c.MaxDefinitionLevel))
	}

	sector := uint64(h.SectorSize)
	h.FirstPageOffset = (uint64(v2HeaderLen+len(cols)) + sector - 1) / sector * sector

	buf := make([]byte, h.FirstPageOffset)
	copy(buf, magic)
	binary.LittleEndian.PutUint16(buf[4:], uint16(Version2))
	binary.LittleEndian.PutUint64(buf[6:], h.Flags)
	binary.LittleEndian.PutUint32(buf[14:], h.SectorSize)
	binary.LittleEndian.PutUint64(buf[18:], h.FirstPageOffset)
	copy(buf[v2ReservedOffset:], h.ID[:])
	copy(buf[v2HeaderLen:], cols)
	return buf
}

func readHeader(r io.ReaderAt, size int64) (*header, error) {
	d := newDecoder(io.NewSectionReader(r, 0, size))

	if m := d.bytes(len(magic)); d.err == nil && !bytes.Equal(m, magic) {
		return nil, errBadMagic
	}

	h := &header{Version: Version(d.uint16())}
	if d.err != nil {
		return nil, d.err
	}

	switch h.Version {
	case Version1:
		h.decodeV1(d, size)
	case Version2:
		h.decodeV2(d, size)
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidContainer, h.Version)
	}
	if d.err != nil {
		return nil, d.err
	}

	for _, c := range h.Columns {
		if c.Type == TypeObject || !supportsEncoding(c.Type, c.Encoding) {
			return nil, fmt.Errorf("%w: column %q has unsupported type %s/%s", ErrInvalidContainer, c.Name, c.Type, c.Encoding)
		}
		if c.MaxRepetitionLevel > c.MaxDefinitionLevel {
			return nil, fmt.Errorf("%w: column %q has invalid levels", ErrInvalidContainer, c.Name)
		}
		if h.Version == Version1 && c.BodyOffset+c.BodySize > uint64(size) {
			return nil, errTruncated
		}
	}
	return h, nil
}

func (h *header) decodeV1(d *decoder, size int64) {
	h.Flags = d.uint64()
	h.NumRows = d.uint64()

	n := d.uint32()
	if d.err != nil {
		return
	} else if int64(n)*v1ColumnHeaderLen > size {
		d.fail(errTruncated)
		return
	}

	h.Columns = make([]ColumnInfo, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		typ := d.uint32()
		c := ColumnInfo{
			ID:       i + 1,
			Type:     ColumnType(typ >> 16),
			Encoding: Encoding(typ & 0xffff),
		}
		c.Name = string(d.bytes(int(d.uint32())))
		c.MaxRepetitionLevel = d.uint32()
		c.MaxDefinitionLevel = d.uint32()
		c.BodyOffset = d.uint64()
		c.BodySize = d.uint64()
		h.Columns = append(h.Columns, c)
	}
}

func (h *header) decodeV2(d *decoder, size int64) {
	h.Flags = d.uint64()
	h.SectorSize = d.uint32()
	h.FirstPageOffset = d.uint64()
	h.Metablocks[0] = d.bytes(metablockLen)
	h.Metablocks[1] = d.bytes(metablockLen)
	copy(h.ID[:], d.bytes(v2ReservedLen))
	if d.err != nil {
		return
	} else if h.SectorSize == 0 || h.FirstPageOffset > uint64(size) {
		d.fail(errTruncated)
		return
	}

	n := d.uvarint()
	if d.err != nil {
		return
	} else if n > h.FirstPageOffset {
		d.fail(errTruncated)
		return
	}

	h.Columns = make([]ColumnInfo, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		c := ColumnInfo{
			Type:     ColumnType(d.uvarint()),
			Encoding: Encoding(d.uvarint()),
			ID:       uint32(d.uvarint()),
		}
		c.Name = string(d.bytes(int(d.uvarint())))
		c.MaxRepetitionLevel = uint32(d.uvarint())
		c.MaxDefinitionLevel = uint32(d.uvarint())
		h.Columns = append(h.Columns, c)
	}
}

// --------------------------------------------------------------------

// decoder reads little-endian values. The first error is sticky, all
// subsequent reads return zero values.
type decoder struct {
	r     *bufio.Reader
	limit int64 // remaining bytes
	err   error
}

func newDecoder(r *io.SectionReader) *decoder {
	return &decoder{r: bufio.NewReader(r), limit: r.Size()}
}

func newBytesDecoder(p []byte) *decoder {
	return newDecoder(io.NewSectionReader(bytes.NewReader(p), 0, int64(len(p))))
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || int64(n) > d.limit {
		d.fail(errTruncated)
		return nil
	}

	p := make([]byte, n)
	if _, err := io.ReadFull(d.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errTruncated
		} else {
			err = ioError("read header", err)
		}
		d.fail(err)
		return nil
	}
	d.limit -= int64(n)
	return p
}

func (d *decoder) uint16() uint16 {
	if p := d.bytes(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if p := d.bytes(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if p := d.bytes(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}

	v, err := binary.ReadUvarint(d)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errTruncated
		} else if !errors.Is(err, ErrInvalidContainer) {
			err = fmt.Errorf("%w: %w", ErrInvalidContainer, err)
		}
		d.fail(err)
		return 0
	}
	return v
}

// ReadByte implements io.ByteReader.
func (d *decoder) ReadByte() (byte, error) {
	if p := d.bytes(1); p != nil {
		return p[0], nil
	}
	return 0, d.err
}

func (d *decoder) skip(n uint64) {
	if d.err != nil {
		return
	}
	if n > uint64(d.limit) {
		d.fail(errTruncated)
		return
	}

	if _, err := d.r.Discard(int(n)); err != nil {
		d.fail(errTruncated)
		return
	}
	d.limit -= int64(n)
}
