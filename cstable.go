package cstable

import (
	"errors"
	"fmt"
)

// magic is 0x17231723, little-endian.
var magic = []byte{0x23, 0x17, 0x23, 0x17}

const (
	chunkNoCompression     = 0
	chunkSnappyCompression = 1
	chunkLZ4Compression    = 2
	chunkZstdCompression   = 3
)

const (
	defaultPageSize   = 64 * 1024
	defaultSectorSize = 512
	minPageSize       = 64
)

var (
	// ErrInvalidContainer is returned when a container has a bad magic
	// sequence, an unsupported version or a truncated header.
	ErrInvalidContainer = errors.New("cstable: invalid container")
	// ErrIllegalArgument is returned on schema violations.
	ErrIllegalArgument = errors.New("cstable: illegal argument")
	// ErrNotFound is returned when a column cannot be found.
	ErrNotFound = errors.New("cstable: not found")
	// ErrIO wraps failures of the underlying storage.
	ErrIO = errors.New("cstable: I/O error")
	// ErrIllegalState is returned on corruption and on invalid use
	// of a writer.
	ErrIllegalState = errors.New("cstable: illegal state")
	// ErrEndOfColumn is returned when reading past the last entry of a column.
	ErrEndOfColumn = errors.New("cstable: end of column")
)

var (
	errClosed         = fmt.Errorf("%w: is closed", ErrIllegalState)
	errCommitted      = fmt.Errorf("%w: container is already committed", ErrIllegalState)
	errBadMagic       = fmt.Errorf("%w: bad magic byte sequence", ErrInvalidContainer)
	errTruncated      = fmt.Errorf("%w: truncated", ErrInvalidContainer)
	errBadCompression = fmt.Errorf("%w: bad compression codec", ErrInvalidContainer)
	errCorruptChunk   = fmt.Errorf("%w: corrupt chunk", ErrIllegalState)
	errNoMetablock    = fmt.Errorf("%w: no valid metablock", ErrInvalidContainer)
)

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// --------------------------------------------------------------------

// Version is the binary container format version.
type Version uint16

// Supported format versions.
const (
	Version1 Version = 1 // flat column bodies, single commit
	Version2 Version = 2 // paged, transactional
)

func (v Version) isValid() bool {
	return v == Version1 || v == Version2
}

// --------------------------------------------------------------------

// ColumnType is the logical type of a field.
type ColumnType uint8

// Supported column types.
const (
	TypeObject ColumnType = iota
	TypeBool
	TypeUint
	TypeInt
	TypeString
	TypeFloat
	TypeDateTime
	unknownColumnType
)

func (t ColumnType) isValid() bool {
	return t < unknownColumnType
}

func (t ColumnType) String() string {
	switch t {
	case TypeObject:
		return "OBJECT"
	case TypeBool:
		return "BOOL"
	case TypeUint:
		return "UINT"
	case TypeInt:
		return "INT"
	case TypeString:
		return "STRING"
	case TypeFloat:
		return "FLOAT"
	case TypeDateTime:
		return "DATETIME"
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

// --------------------------------------------------------------------

// Encoding is the physical encoding of a column's values.
type Encoding uint16

// Supported encodings.
const (
	BooleanBitPacked Encoding = 1
	UInt32BitPacked  Encoding = 10
	UInt32Plain      Encoding = 11
	UInt64Plain      Encoding = 12
	UInt64LEB128     Encoding = 13
	FloatIEEE754     Encoding = 14
	StringPlain      Encoding = 100
)

func (e Encoding) String() string {
	switch e {
	case BooleanBitPacked:
		return "BOOLEAN_BITPACKED"
	case UInt32BitPacked:
		return "UINT32_BITPACKED"
	case UInt32Plain:
		return "UINT32_PLAIN"
	case UInt64Plain:
		return "UINT64_PLAIN"
	case UInt64LEB128:
		return "UINT64_LEB128"
	case FloatIEEE754:
		return "FLOAT_IEEE754"
	case StringPlain:
		return "STRING_PLAIN"
	}
	return fmt.Sprintf("Encoding(%d)", uint16(e))
}

// bitPacked reports whether values are stored in packed batches.
func (e Encoding) bitPacked() bool {
	return e == BooleanBitPacked || e == UInt32BitPacked
}

// defaultEncoding returns the encoding used when a field does not declare one.
func defaultEncoding(t ColumnType) Encoding {
	switch t {
	case TypeBool:
		return BooleanBitPacked
	case TypeUint, TypeInt, TypeDateTime:
		return UInt64LEB128
	case TypeFloat:
		return FloatIEEE754
	case TypeString:
		return StringPlain
	}
	return 0
}

// supportsEncoding reports whether values of type t can be stored using e.
func supportsEncoding(t ColumnType, e Encoding) bool {
	switch t {
	case TypeBool:
		return e == BooleanBitPacked
	case TypeUint:
		return e == UInt32BitPacked || e == UInt32Plain || e == UInt64Plain || e == UInt64LEB128
	case TypeInt, TypeDateTime:
		return e == UInt64Plain || e == UInt64LEB128
	case TypeFloat:
		return e == FloatIEEE754
	case TypeString:
		return e == StringPlain
	}
	return false
}

// --------------------------------------------------------------------

// Compression is the compression codec applied to column chunks.
type Compression byte

func (c Compression) isValid() bool {
	return c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	LZ4Compression
	ZstdCompression
	unknownCompression
)

// --------------------------------------------------------------------

// streamKind identifies one of the three streams stored per column.
type streamKind uint8

const (
	streamValues  streamKind = 1
	streamRLevels streamKind = 2
	streamDLevels streamKind = 3
)

// LevelEntry is a single shredded column entry. Value is null unless D
// equals the column's maximum definition level.
type LevelEntry struct {
	R, D  uint32
	Value Value
}

// Levels holds the maximum repetition and definition levels of a column.
type Levels struct {
	R, D uint32
}
