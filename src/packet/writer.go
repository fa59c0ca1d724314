package packet

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

// DefaultBufferSize is used when the destination did not negotiate one.
const DefaultBufferSize = 64 << 10

// Reply identifies the client request a stream answers.
type Reply struct {
	RequestID  int64
	BufferSize int
}

// Writer frames packets onto a destination. It is not safe for concurrent
// use; the backup writer role is the only caller at any time.
type Writer struct {
	w     *bufio.Writer
	reply Reply
	frame [FrameHeaderSize]byte

	packets int64
	bytes   int64
}

func NewWriter(dst io.Writer, reply Reply) *Writer {
	if reply.BufferSize <= 0 {
		reply.BufferSize = DefaultBufferSize
	}
	return &Writer{
		w:     bufio.NewWriterSize(dst, reply.BufferSize),
		reply: reply,
	}
}

func (w *Writer) Reply() Reply {
	return w.reply
}

// Packets is the number of packets written so far.
func (w *Writer) Packets() int64 {
	return w.packets
}

// Bytes is the number of framed bytes written so far.
func (w *Writer) Bytes() int64 {
	return w.bytes
}

func (w *Writer) write(t Type, parts ...[]byte) error {
	length := 0
	for _, p := range parts {
		length += len(p)
	}
	if length > MaxPayloadSize {
		return fmt.Errorf("%s payload of %d bytes is too large", t, length)
	}

	putFrameHeader(w.frame[:], t, length)
	if _, err := w.w.Write(w.frame[:]); err != nil {
		return fmt.Errorf("request %d: failed to write %s: %w", w.reply.RequestID, t, err)
	}
	for _, p := range parts {
		if _, err := w.w.Write(p); err != nil {
			return fmt.Errorf("request %d: failed to write %s: %w", w.reply.RequestID, t, err)
		}
	}

	w.packets++
	w.bytes += int64(FrameHeaderSize + length)
	return nil
}

func (w *Writer) Header(h *BackupHeader) error {
	payload, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return w.write(TypeBackupHeader, payload)
}

// VolStart payload: id int32, size int64, label [LabelSize]byte.
func (w *Writer) VolStart(id common.VolumeID, size int64, label string) error {
	payload := make([]byte, volStartSize)
	order.PutUint32(payload[0:4], uint32(id))
	order.PutUint64(payload[4:12], uint64(size))
	if err := putFixedString(payload[12:], label, "volume label"); err != nil {
		return err
	}
	return w.write(TypeVolStart, payload)
}

// Data payload: page id int64 followed by the unit body.
func (w *Writer) Data(pageID common.PageID, body []byte) error {
	var prefix [dataPrefixSize]byte
	order.PutUint64(prefix[:], uint64(pageID))
	return w.write(TypeData, prefix[:], body)
}

func (w *Writer) VolEnd() error {
	return w.write(TypeVolEnd)
}

func (w *Writer) VolsBackupEnd() error {
	if err := w.write(TypeVolsBackupEnd); err != nil {
		return err
	}
	return w.Flush()
}

// LogsBackupEnd payload: end LSA (int64 page, int32 offset) and the end
// time in unix seconds.
func (w *Writer) LogsBackupEnd(end common.LSA, endTime time.Time) error {
	payload := make([]byte, logsEndSize)
	order.PutUint64(payload[0:8], uint64(end.PageID))
	order.PutUint32(payload[8:12], uint32(end.Offset))
	order.PutUint64(payload[12:20], uint64(unixSeconds(endTime)))

	if err := w.write(TypeLogsBackupEnd, payload); err != nil {
		return err
	}
	return w.Flush()
}

func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("request %d: failed to flush backup stream: %w", w.reply.RequestID, err)
	}
	return nil
}
