package compress

import (
	"fmt"
	"strings"
)

type Method int32

const (
	MethodNone Method = iota
	MethodLZ4
	MethodSnappy
	MethodZstd
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodLZ4:
		return "lz4"
	case MethodSnappy:
		return "snappy"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", int32(m))
	}
}

func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MethodNone, nil
	case "lz4":
		return MethodLZ4, nil
	case "snappy":
		return MethodSnappy, nil
	case "zstd":
		return MethodZstd, nil
	default:
		return MethodNone, fmt.Errorf("unknown compression method %q", s)
	}
}

// Codec is a reversible block compressor with a known worst-case
// expansion.
type Codec interface {
	Method() Method
	// Bound is the largest output Encode may produce for n input bytes.
	Bound(n int) int
	// Encode compresses src into dst and returns the number of bytes
	// written. A zero length with a nil error means src is not
	// compressible.
	Encode(dst, src []byte) (int, error)
	// Decode decompresses src into dst and returns the number of bytes
	// written.
	Decode(dst, src []byte) (int, error)
	Close() error
}

// NewCodec returns nil for MethodNone.
func NewCodec(m Method, level int) (Codec, error) {
	switch m {
	case MethodNone:
		return nil, nil
	case MethodLZ4:
		return lz4Codec{}, nil
	case MethodSnappy:
		return snappyCodec{}, nil
	case MethodZstd:
		return newZstdCodec(level)
	default:
		return nil, fmt.Errorf("unsupported compression method %v", m)
	}
}
