// Package bitpack packs unsigned integers of a fixed bit width in batches
// of BatchSize values.
//
// A batch of width w occupies exactly PackedLen(w) bytes. Values are stored
// least significant bit first, so a batch can be unpacked without knowing
// anything except its width.
package bitpack

import "math/bits"

// BatchSize is the number of values per packed batch.
const BatchSize = 128

// MaxWidth is the largest supported bit width.
const MaxWidth = 32

// Width returns the number of bits required to store max.
func Width(max uint32) uint {
	return uint(bits.Len32(max))
}

// PackedLen returns the byte size of a single batch packed with width.
func PackedLen(width uint) int {
	return BatchSize * int(width) / 8
}

// Pack appends the packed representation of src to dst. Bits beyond
// width are ignored.
func Pack(dst []byte, src *[BatchSize]uint32, width uint) []byte {
	if width == 0 {
		return dst
	}

	mask := uint64(1)<<width - 1
	var acc uint64
	var n uint
	for _, v := range src {
		acc |= (uint64(v) & mask) << n
		n += width
		for n >= 8 {
			dst = append(dst, byte(acc))
			acc >>= 8
			n -= 8
		}
	}
	return dst
}

// Unpack decodes a single batch from src into dst. It panics if src is
// shorter than PackedLen(width).
func Unpack(dst *[BatchSize]uint32, src []byte, width uint) {
	if width == 0 {
		*dst = [BatchSize]uint32{}
		return
	}

	_ = src[PackedLen(width)-1] // bounds check hint

	mask := uint64(1)<<width - 1
	var acc uint64
	var n uint
	pos := 0
	for i := range dst {
		for n < width {
			acc |= uint64(src[pos]) << n
			pos++
			n += 8
		}
		dst[i] = uint32(acc & mask)
		acc >>= width
		n -= width
	}
}
