package compress

import (
	"errors"

	"github.com/golang/snappy"
)

var errSnappyTooLarge = errors.New("snappy: block too large")

type snappyCodec struct{}

func (snappyCodec) Method() Method { return MethodSnappy }

func (snappyCodec) Bound(n int) int {
	return snappy.MaxEncodedLen(n)
}

func (c snappyCodec) Encode(dst, src []byte) (int, error) {
	bound := c.Bound(len(src))
	if bound < 0 {
		return 0, errSnappyTooLarge
	}
	if len(dst) < bound {
		return 0, errors.New("snappy: destination smaller than worst-case bound")
	}

	out := snappy.Encode(dst, src)
	return len(out), nil
}

func (snappyCodec) Decode(dst, src []byte) (int, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return 0, err
	}
	if n > len(dst) {
		return 0, errors.New("snappy: decoded block larger than destination")
	}

	out, err := snappy.Decode(dst, src)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func (snappyCodec) Close() error { return nil }
