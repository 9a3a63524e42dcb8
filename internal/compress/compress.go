// Package compress frames payload bytes with a one-byte algorithm header so
// stored payloads are self-describing: a payload written with zstd can be
// read back by a process configured for snappy.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

// Type identifies the compression algorithm. It is the first byte of every
// framed payload.
type Type byte

const (
	None   Type = 0
	Snappy Type = 1
	LZ4    Type = 2
	Zstd   Type = 3
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ParseType maps a configuration name to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

// ErrCorrupt is returned when a framed payload cannot be decoded.
var ErrCorrupt = errors.New("corrupt compressed payload")

// maxDecodedSize bounds decompression output.
const maxDecodedSize = 256 << 20

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
// and expensive to create, so one of each is shared.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Encode compresses data with t and prepends the header byte.
func Encode(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return frame(None, data), nil
	case Snappy:
		return append([]byte{byte(Snappy)}, snappy.Encode(nil, data)...), nil
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input; lz4 block format signals this with 0.
			return frame(None, data), nil
		}
		out := make([]byte, 1, 1+binary.MaxVarintLen64+n)
		out[0] = byte(LZ4)
		out = binary.AppendUvarint(out, uint64(len(data)))
		return append(out, buf[:n]...), nil
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		return enc.EncodeAll(data, []byte{byte(Zstd)}), nil
	default:
		return nil, fmt.Errorf("encode: unknown compression %d", byte(t))
	}
}

// Decode reverses Encode, dispatching on the header byte.
func Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorrupt)
	}
	body := framed[1:]
	switch Type(framed[0]) {
	case None:
		return append([]byte(nil), body...), nil
	case Snappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		return out, nil
	case LZ4:
		size, n := binary.Uvarint(body)
		if n <= 0 || size > maxDecodedSize {
			return nil, fmt.Errorf("%w: lz4 length prefix", ErrCorrupt)
		}
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(body[n:], out)
		if err != nil || uint64(m) != size {
			return nil, fmt.Errorf("%w: lz4: decoded %d of %d bytes: %v", ErrCorrupt, m, size, err)
		}
		return out, nil
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown header %d", ErrCorrupt, framed[0])
	}
}

func frame(t Type, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(t)
	copy(out[1:], data)
	return out
}
