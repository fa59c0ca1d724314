package compress

import "github.com/pierrec/lz4/v4"

type lz4Codec struct{}

func (lz4Codec) Method() Method { return MethodLZ4 }

func (lz4Codec) Bound(n int) int {
	return lz4.CompressBlockBound(n)
}

func (lz4Codec) Encode(dst, src []byte) (int, error) {
	return lz4.CompressBlock(src, dst, nil)
}

func (lz4Codec) Decode(dst, src []byte) (int, error) {
	return lz4.UncompressBlock(src, dst)
}

func (lz4Codec) Close() error { return nil }
