package cstable

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	getZstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	getZstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
)

// encodeChunk appends the compressed payload, followed by the codec byte,
// to dst. Compressed output is only used if it saves at least 25%.
func encodeChunk(dst, payload []byte, c Compression) []byte {
	var cbuf []byte
	var codec byte

	switch c {
	case SnappyCompression:
		cbuf, codec = snappy.Encode(nil, payload), chunkSnappyCompression
	case LZ4Compression:
		buf := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(payload)))
		n := binary.PutUvarint(buf, uint64(len(payload)))
		if m, err := lz4.CompressBlock(payload, buf[n:], nil); err == nil && m > 0 {
			cbuf, codec = buf[:n+m], chunkLZ4Compression
		}
	case ZstdCompression:
		if enc, err := getZstdEncoder(); err == nil {
			cbuf, codec = enc.EncodeAll(payload, nil), chunkZstdCompression
		}
	}

	if cbuf != nil && len(cbuf) < len(payload)-len(payload)/4 {
		dst = append(dst, cbuf...)
		return append(dst, codec)
	}
	dst = append(dst, payload...)
	return append(dst, chunkNoCompression)
}

// decodeChunk appends the decompressed payload of chunk to dst.
func decodeChunk(dst, chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return dst, errBadCompression
	}

	body := chunk[:len(chunk)-1]
	switch chunk[len(chunk)-1] {
	case chunkNoCompression:
		return append(dst, body...), nil
	case chunkSnappyCompression:
		sz, err := snappy.DecodedLen(body)
		if err != nil {
			return dst, fmt.Errorf("%w: %w", errCorruptChunk, err)
		}
		buf, err := snappy.Decode(make([]byte, sz), body)
		if err != nil {
			return dst, fmt.Errorf("%w: %w", errCorruptChunk, err)
		}
		return append(dst, buf...), nil
	case chunkLZ4Compression:
		sz, n := binary.Uvarint(body)
		if n <= 0 {
			return dst, errCorruptChunk
		}
		buf := make([]byte, sz)
		m, err := lz4.UncompressBlock(body[n:], buf)
		if err != nil {
			return dst, fmt.Errorf("%w: %w", errCorruptChunk, err)
		} else if uint64(m) != sz {
			return dst, errCorruptChunk
		}
		return append(dst, buf...), nil
	case chunkZstdCompression:
		dec, err := getZstdDecoder()
		if err != nil {
			return dst, err
		}
		out, err := dec.DecodeAll(body, dst)
		if err != nil {
			return dst, fmt.Errorf("%w: %w", errCorruptChunk, err)
		}
		return out, nil
	}
	return dst, errBadCompression
}
