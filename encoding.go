package cstable

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bsm/cstable/internal/bitpack"
)

// streamWriter buffers a single column stream and seals it into
// self-contained chunks of roughly o.PageSize bytes.
//
//	+----------------+---------------------------+------+----------------------+
//	| count (varint) | width (1 byte, bitpacked) | data | compression (1 byte) |
//	+----------------+---------------------------+------+----------------------+
type streamWriter struct {
	o      *WriterOptions
	packed bool
	width  uint

	batch  [bitpack.BatchSize]uint32
	nbatch int

	count  uint64 // values in the current chunk
	buf    []byte // encoded values of the current chunk
	tmp    []byte // payload scratch buffer
	chunks [][]byte
}

func newPackedWriter(width uint, o *WriterOptions) *streamWriter {
	return &streamWriter{o: o, packed: true, width: width}
}

func newByteWriter(o *WriterOptions) *streamWriter {
	return &streamWriter{o: o}
}

func (s *streamWriter) putPacked(v uint32) {
	s.batch[s.nbatch] = v
	s.nbatch++
	s.count++

	if s.nbatch == bitpack.BatchSize {
		s.buf = bitpack.Pack(s.buf, &s.batch, s.width)
		s.nbatch = 0

		if len(s.buf) >= s.o.PageSize {
			s.seal()
		}
	}
}

// added must be called after a value was appended to buf.
func (s *streamWriter) added() {
	s.count++
	if len(s.buf) >= s.o.PageSize {
		s.seal()
	}
}

func (s *streamWriter) seal() {
	if s.count == 0 {
		return
	}

	if s.packed && s.nbatch != 0 {
		clear(s.batch[s.nbatch:])
		s.buf = bitpack.Pack(s.buf, &s.batch, s.width)
		s.nbatch = 0
	}

	payload := binary.AppendUvarint(s.tmp[:0], s.count)
	if s.packed {
		payload = append(payload, byte(s.width))
	}
	payload = append(payload, s.buf...)

	s.chunks = append(s.chunks, encodeChunk(nil, payload, s.o.Compression))
	s.tmp = payload
	s.buf = s.buf[:0]
	s.count = 0
}

// flush seals pending values and returns all sealed chunks.
func (s *streamWriter) flush() [][]byte {
	s.seal()
	chunks := s.chunks
	s.chunks = nil
	return chunks
}

// --------------------------------------------------------------------

// chunkRef locates a chunk within a container.
type chunkRef struct {
	offset int64
	size   int64
}

// streamReader iterates over the values of a single column stream.
type streamReader struct {
	r        io.ReaderAt
	chunks   []chunkRef
	maxWidth uint // 0 for byte-aligned streams

	next   int    // next chunk to load
	remain uint64 // values remaining in the current chunk
	raw    []byte
	plain  []byte
	data   []byte
	pos    int

	width uint
	batch [bitpack.BatchSize]uint32
	bpos  int
}

func newStreamReader(r io.ReaderAt, chunks []chunkRef, maxWidth uint) *streamReader {
	return &streamReader{r: r, chunks: chunks, maxWidth: maxWidth}
}

func (s *streamReader) exhausted() bool {
	return s.remain == 0 && s.next >= len(s.chunks)
}

func (s *streamReader) rewind() {
	s.next = 0
	s.remain = 0
}

func (s *streamReader) advance() error {
	for s.remain == 0 {
		if s.next >= len(s.chunks) {
			return ErrEndOfColumn
		}
		if err := s.load(s.chunks[s.next]); err != nil {
			return err
		}
		s.next++
	}
	return nil
}

func (s *streamReader) load(ref chunkRef) error {
	if cap(s.raw) < int(ref.size) {
		s.raw = make([]byte, ref.size)
	}
	s.raw = s.raw[:ref.size]

	if err := readAt(s.r, s.raw, ref.offset); err != nil {
		return ioError("read chunk", err)
	}

	plain, err := decodeChunk(s.plain[:0], s.raw)
	if err != nil {
		return err
	}
	s.plain = plain

	count, n := binary.Uvarint(plain)
	if n <= 0 || count == 0 {
		return errCorruptChunk
	}
	data := plain[n:]

	if s.maxWidth != 0 {
		if len(data) == 0 {
			return errCorruptChunk
		}
		s.width = uint(data[0])
		data = data[1:]

		nbatches := (count + bitpack.BatchSize - 1) / bitpack.BatchSize
		if s.width > s.maxWidth || uint64(len(data)) < nbatches*uint64(bitpack.PackedLen(s.width)) {
			return errCorruptChunk
		}
		s.bpos = bitpack.BatchSize
	}

	s.remain = count
	s.data = data
	s.pos = 0
	return nil
}

// fill ensures the packed batch holds the next value.
func (s *streamReader) fill() error {
	if err := s.advance(); err != nil {
		return err
	}
	if s.bpos == bitpack.BatchSize {
		bitpack.Unpack(&s.batch, s.data[s.pos:], s.width)
		s.pos += bitpack.PackedLen(s.width)
		s.bpos = 0
	}
	return nil
}

func (s *streamReader) peekPacked() (uint32, error) {
	if err := s.fill(); err != nil {
		return 0, err
	}
	return s.batch[s.bpos], nil
}

func (s *streamReader) nextPacked() (uint32, error) {
	if err := s.fill(); err != nil {
		return 0, err
	}
	v := s.batch[s.bpos]
	s.bpos++
	s.remain--
	return v, nil
}

// --------------------------------------------------------------------

// valueCodec encodes and decodes the values of a single column.
type valueCodec struct {
	typ   ColumnType
	enc   Encoding
	width uint // bit width of packed encodings
}

func newValueCodec(typ ColumnType, enc Encoding, bound uint64) (valueCodec, error) {
	if !supportsEncoding(typ, enc) {
		return valueCodec{}, fmt.Errorf("%w: cannot use %s for %s values", ErrIllegalArgument, enc, typ)
	}

	c := valueCodec{typ: typ, enc: enc}
	switch enc {
	case BooleanBitPacked:
		c.width = 1
	case UInt32BitPacked:
		c.width = bitpack.Width(uint32(bound))
	}
	return c, nil
}

func (c valueCodec) newWriter(o *WriterOptions) *streamWriter {
	if c.enc.bitPacked() {
		return newPackedWriter(c.width, o)
	}
	return newByteWriter(o)
}

func (c valueCodec) encode(s *streamWriter, v Value) {
	switch c.enc {
	case BooleanBitPacked, UInt32BitPacked:
		s.putPacked(uint32(v.num))
		return
	case UInt32Plain:
		s.buf = binary.LittleEndian.AppendUint32(s.buf, uint32(v.num))
	case UInt64Plain, FloatIEEE754:
		s.buf = binary.LittleEndian.AppendUint64(s.buf, v.num)
	case UInt64LEB128:
		x := v.num
		if c.typ == TypeInt {
			x = zigzagEncode(int64(x))
		}
		s.buf = binary.AppendUvarint(s.buf, x)
	case StringPlain:
		s.buf = binary.AppendUvarint(s.buf, uint64(len(v.str)))
		s.buf = append(s.buf, v.str...)
	}
	s.added()
}

// encodeRaw appends a value which was previously returned by nextRaw.
func (c valueCodec) encodeRaw(s *streamWriter, raw []byte) {
	s.buf = append(s.buf, raw...)
	s.added()
}

// peekRaw returns the encoded bytes of the next value without consuming
// it. Only valid for byte-aligned encodings.
func (c valueCodec) peekRaw(s *streamReader) ([]byte, error) {
	if err := s.advance(); err != nil {
		return nil, err
	}

	data := s.data[s.pos:]
	var n int
	switch c.enc {
	case UInt32Plain:
		n = 4
	case UInt64Plain, FloatIEEE754:
		n = 8
	case UInt64LEB128:
		if _, n = binary.Uvarint(data); n <= 0 {
			return nil, errCorruptChunk
		}
	case StringPlain:
		sz, m := binary.Uvarint(data)
		if m <= 0 || sz > uint64(len(data)-m) {
			return nil, errCorruptChunk
		}
		n = m + int(sz)
	default:
		return nil, fmt.Errorf("%w: %s is not byte-aligned", ErrIllegalState, c.enc)
	}
	if n > len(data) {
		return nil, errCorruptChunk
	}
	return data[:n], nil
}

// nextRaw consumes and returns the encoded bytes of the next value.
func (c valueCodec) nextRaw(s *streamReader) ([]byte, error) {
	raw, err := c.peekRaw(s)
	if err != nil {
		return nil, err
	}
	s.pos += len(raw)
	s.remain--
	return raw, nil
}

// peek decodes the next value without consuming it.
func (c valueCodec) peek(s *streamReader) (Value, error) {
	if c.enc.bitPacked() {
		x, err := s.peekPacked()
		if err != nil {
			return Value{}, err
		}
		return Value{typ: c.typ, num: uint64(x)}, nil
	}

	raw, err := c.peekRaw(s)
	if err != nil {
		return Value{}, err
	}
	return c.decodeRaw(raw), nil
}

func (c valueCodec) decode(s *streamReader) (Value, error) {
	if c.enc.bitPacked() {
		x, err := s.nextPacked()
		if err != nil {
			return Value{}, err
		}
		return Value{typ: c.typ, num: uint64(x)}, nil
	}

	raw, err := c.nextRaw(s)
	if err != nil {
		return Value{}, err
	}
	return c.decodeRaw(raw), nil
}

func (c valueCodec) decodeRaw(raw []byte) Value {
	v := Value{typ: c.typ}
	switch c.enc {
	case UInt32Plain:
		v.num = uint64(binary.LittleEndian.Uint32(raw))
	case UInt64Plain, FloatIEEE754:
		v.num = binary.LittleEndian.Uint64(raw)
	case UInt64LEB128:
		v.num, _ = binary.Uvarint(raw)
		if c.typ == TypeInt {
			v.num = uint64(zigzagDecode(v.num))
		}
	case StringPlain:
		_, n := binary.Uvarint(raw)
		v.str = string(raw[n:])
	}
	return v
}

func (c valueCodec) skip(s *streamReader) error {
	if c.enc.bitPacked() {
		_, err := s.nextPacked()
		return err
	}
	_, err := c.nextRaw(s)
	return err
}

func zigzagEncode(v int64) uint64 { return uint64((v << 1) ^ (v >> 63)) }

func zigzagDecode(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
