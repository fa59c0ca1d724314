package packet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

const (
	volStartSize   = 4 + 8 + LabelSize
	dataPrefixSize = 8
	logsEndSize    = 8 + 4 + 8
)

type Packet struct {
	Type    Type
	Payload []byte
}

type VolStart struct {
	ID    common.VolumeID
	Size  int64
	Label string
}

type LogsEnd struct {
	EndLSA  common.LSA
	EndTime time.Time
}

// Reader splits a backup stream back into packets.
type Reader struct {
	r     *bufio.Reader
	frame [FrameHeaderSize]byte
}

func NewReader(src io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(src, DefaultBufferSize)}
}

// Next returns the following packet. io.EOF is returned only at a packet
// boundary; a stream cut inside a packet is malformed.
func (r *Reader) Next() (Packet, error) {
	if _, err := io.ReadFull(r.r, r.frame[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("%w: truncated frame header: %w", ErrMalformedPacket, err)
	}

	t, length, err := parseFrameHeader(r.frame[:])
	if err != nil {
		return Packet{}, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Packet{}, fmt.Errorf("%w: truncated %s payload: %w", ErrMalformedPacket, t, err)
	}
	return Packet{Type: t, Payload: payload}, nil
}

// ReadAll reads packets until the end of the stream.
func ReadAll(src io.Reader) ([]Packet, error) {
	r := NewReader(src)
	packets := []Packet{}
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return packets, nil
		}
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
	}
}

func expect(p Packet, t Type, size int) error {
	if p.Type != t {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedPacket, t, p.Type)
	}
	if size >= 0 && len(p.Payload) != size {
		return fmt.Errorf("%w: %s payload of %d bytes, expected %d", ErrMalformedPacket, t, len(p.Payload), size)
	}
	return nil
}

func ParseHeader(p Packet) (*BackupHeader, error) {
	if err := expect(p, TypeBackupHeader, HeaderSize); err != nil {
		return nil, err
	}
	h := &BackupHeader{}
	if err := h.UnmarshalBinary(p.Payload); err != nil {
		return nil, err
	}
	return h, nil
}

func ParseVolStart(p Packet) (VolStart, error) {
	if err := expect(p, TypeVolStart, volStartSize); err != nil {
		return VolStart{}, err
	}
	return VolStart{
		ID:    common.VolumeID(int32(order.Uint32(p.Payload[0:4]))),
		Size:  int64(order.Uint64(p.Payload[4:12])),
		Label: fixedString(p.Payload[12:]),
	}, nil
}

// ParseData returns the page id and the unit body of a DATA packet. The
// body aliases the packet payload.
func ParseData(p Packet) (common.PageID, []byte, error) {
	if err := expect(p, TypeData, -1); err != nil {
		return 0, nil, err
	}
	if len(p.Payload) < dataPrefixSize {
		return 0, nil, fmt.Errorf("%w: DATA payload of %d bytes has no page id", ErrMalformedPacket, len(p.Payload))
	}
	pageID := common.PageID(int64(order.Uint64(p.Payload[:dataPrefixSize])))
	return pageID, p.Payload[dataPrefixSize:], nil
}

func ParseLogsEnd(p Packet) (LogsEnd, error) {
	if err := expect(p, TypeLogsBackupEnd, logsEndSize); err != nil {
		return LogsEnd{}, err
	}
	return LogsEnd{
		EndLSA: common.LSA{
			PageID: common.LogPageID(int64(order.Uint64(p.Payload[0:8]))),
			Offset: int32(order.Uint32(p.Payload[8:12])),
		},
		EndTime: fromUnixSeconds(int64(order.Uint64(p.Payload[12:20]))),
	}, nil
}

// CheckEmpty validates packets that carry no payload.
func CheckEmpty(p Packet, t Type) error {
	return expect(p, t, 0)
}
