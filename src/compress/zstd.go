package compress

import (
	"errors"

	"github.com/klauspost/compress/zstd"
)

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}

	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Join(err, enc.Close())
	}

	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (*zstdCodec) Method() Method { return MethodZstd }

// Bound follows ZSTD_COMPRESSBOUND.
func (*zstdCodec) Bound(n int) int {
	const block = 128 << 10

	margin := 0
	if n < block {
		margin = (block - n) >> 11
	}
	return n + n>>8 + margin
}

func (c *zstdCodec) Encode(dst, src []byte) (int, error) {
	out := c.enc.EncodeAll(src, dst[:0])
	if len(out) > len(dst) {
		return 0, errors.New("zstd: output exceeds destination")
	}
	return copy(dst, out), nil
}

func (c *zstdCodec) Decode(dst, src []byte) (int, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, err
	}
	if len(out) > len(dst) {
		return 0, errors.New("zstd: decoded block larger than destination")
	}
	return copy(dst, out), nil
}

func (c *zstdCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
