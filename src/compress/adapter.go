package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/hotbackup/src/bufferpool"
)

var ErrCompressionFailed = errors.New("block compression failed")

// lengthPrefix is the size of the uint64 length that precedes a
// compressed DATA body.
const lengthPrefix = 8

// LegacyBound is the documented worst case of the historical block codec;
// node buffers never get less slack than this.
func LegacyBound(n int) int {
	return n + n/16 + 64 + 3
}

// Adapter turns raw node blocks into their wire form.
type Adapter struct {
	codec     Codec
	blockSize int
}

// NewAdapter wraps codec for blocks of blockSize bytes. A nil codec
// produces raw blocks.
func NewAdapter(codec Codec, blockSize int) *Adapter {
	return &Adapter{codec: codec, blockSize: blockSize}
}

func (a *Adapter) Method() Method {
	if a.codec == nil {
		return MethodNone
	}
	return a.codec.Method()
}

// ZipBufferSize is the zip area every node needs, zero without
// compression.
func (a *Adapter) ZipBufferSize() int {
	if a.codec == nil {
		return 0
	}
	return lengthPrefix + max(a.codec.Bound(a.blockSize), LegacyBound(a.blockSize))
}

// Compress sets the node payload. When compression does not shrink the
// block the raw bytes are stored behind the length prefix instead.
func (a *Adapter) Compress(n *bufferpool.Node) error {
	raw := n.Raw()[:a.blockSize]
	if a.codec == nil {
		n.SetPayload(raw)
		return nil
	}

	zip := n.ZipBuffer()
	if len(zip) < a.ZipBufferSize() {
		return fmt.Errorf("%w: zip area of %d bytes, need %d", ErrCompressionFailed, len(zip), a.ZipBufferSize())
	}

	size, err := a.codec.Encode(zip[lengthPrefix:], raw)
	if err != nil {
		return fmt.Errorf("%w: page %d: %w", ErrCompressionFailed, n.PageID, err)
	}
	if bound := a.codec.Bound(len(raw)); size > bound {
		return fmt.Errorf(
			"%w: page %d: %d bytes exceed the worst-case bound %d",
			ErrCompressionFailed,
			n.PageID,
			size,
			bound,
		)
	}

	if size == 0 || size >= len(raw) {
		size = copy(zip[lengthPrefix:], raw)
	}
	binary.BigEndian.PutUint64(zip[:lengthPrefix], uint64(size))
	n.SetPayload(zip[:lengthPrefix+size])
	return nil
}

// Decode restores the raw block of blockSize bytes from a DATA body
// produced by an Adapter over codec.
func Decode(codec Codec, body []byte, blockSize int) ([]byte, error) {
	if codec == nil {
		if len(body) != blockSize {
			return nil, fmt.Errorf("raw block of %d bytes, expected %d", len(body), blockSize)
		}
		return append([]byte(nil), body...), nil
	}

	if len(body) < lengthPrefix {
		return nil, fmt.Errorf("compressed body of %d bytes has no length", len(body))
	}

	size := binary.BigEndian.Uint64(body[:lengthPrefix])
	data := body[lengthPrefix:]
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("compressed body announces %d bytes, carries %d", size, len(data))
	}

	out := make([]byte, blockSize)
	if size == uint64(blockSize) {
		copy(out, data)
		return out, nil
	}

	n, err := codec.Decode(out, data)
	if err != nil {
		return nil, err
	}
	if n != blockSize {
		return nil, fmt.Errorf("decoded %d bytes, expected %d", n, blockSize)
	}
	return out, nil
}
