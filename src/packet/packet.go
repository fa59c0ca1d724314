package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedPacket = errors.New("malformed backup packet")

type Type int32

const (
	TypeBackupHeader Type = iota + 1
	TypeVolStart
	TypeData
	TypeVolEnd
	TypeVolsBackupEnd
	TypeLogsBackupEnd
)

func (t Type) String() string {
	switch t {
	case TypeBackupHeader:
		return "BACKUP_HEADER"
	case TypeVolStart:
		return "VOL_START"
	case TypeData:
		return "DATA"
	case TypeVolEnd:
		return "VOL_END"
	case TypeVolsBackupEnd:
		return "VOLS_BACKUP_END"
	case TypeLogsBackupEnd:
		return "LOGS_BACKUP_END"
	default:
		return fmt.Sprintf("Type(%d)", int32(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeBackupHeader && t <= TypeLogsBackupEnd
}

// FrameHeaderSize is the size of the (type, length) prefix of every packet.
const FrameHeaderSize = 8

// MaxPayloadSize bounds a single packet body.
const MaxPayloadSize = 1 << 30

// LabelSize is the fixed width of a volume label in VOL_START.
const LabelSize = 256

var order = binary.BigEndian

func putFrameHeader(dst []byte, t Type, length int) {
	order.PutUint32(dst[0:4], uint32(t))
	order.PutUint32(dst[4:8], uint32(int32(length)))
}

func parseFrameHeader(src []byte) (Type, int, error) {
	t := Type(int32(order.Uint32(src[0:4])))
	length := int(int32(order.Uint32(src[4:8])))

	if !t.valid() {
		return 0, 0, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, int32(t))
	}
	if length < 0 || length > MaxPayloadSize {
		return 0, 0, fmt.Errorf("%w: %s announces %d bytes", ErrMalformedPacket, t, length)
	}
	return t, length, nil
}

// putFixedString copies s into a NUL-padded field.
func putFixedString(dst []byte, s, field string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%s %q exceeds %d bytes", field, s, len(dst))
	}
	clear(dst)
	copy(dst, s)
	return nil
}

func fixedString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}
