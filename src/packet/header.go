package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

const Magic = "HOTBACKUP/1"

// BackupHeader identifies a backup stream. Everything but EndTime and
// EndLSA is fixed once the checkpoint LSA has been captured.
type BackupHeader struct {
	BackupID      uuid.UUID
	DBName        string
	DBRelease     string
	CreationTime  time.Time
	PageSize      int32
	BlockSize     int32
	CheckpointLSA common.LSA
	DiskCompat    string

	CompressMethod compress.Method
	CompressLevel  int32

	StartTime    time.Time
	EndTime      time.Time
	BuildReplica bool
	EndLSA       common.LSA
}

type headerWire struct {
	Magic            [16]byte
	BackupID         [16]byte
	DBName           [64]byte
	DBRelease        [32]byte
	CreationTime     int64
	PageSize         int32
	BlockSize        int32
	CheckpointPage   int64
	CheckpointOffset int32
	DiskCompat       [16]byte
	CompressMethod   int32
	CompressLevel    int32
	StartTime        int64
	EndTime          int64
	BuildReplica     uint8
	_                [3]byte
	EndPage          int64
	EndOffset        int32
}

// HeaderSize is the length of a BACKUP_HEADER payload.
var HeaderSize = binary.Size(headerWire{})

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnixSeconds(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

func (h *BackupHeader) MarshalBinary() ([]byte, error) {
	w := headerWire{
		BackupID:         h.BackupID,
		CreationTime:     unixSeconds(h.CreationTime),
		PageSize:         h.PageSize,
		BlockSize:        h.BlockSize,
		CheckpointPage:   int64(h.CheckpointLSA.PageID),
		CheckpointOffset: h.CheckpointLSA.Offset,
		CompressMethod:   int32(h.CompressMethod),
		CompressLevel:    h.CompressLevel,
		StartTime:        unixSeconds(h.StartTime),
		EndTime:          unixSeconds(h.EndTime),
		EndPage:          int64(h.EndLSA.PageID),
		EndOffset:        h.EndLSA.Offset,
	}
	if h.BuildReplica {
		w.BuildReplica = 1
	}

	if err := putFixedString(w.Magic[:], Magic, "magic"); err != nil {
		return nil, err
	}
	if err := putFixedString(w.DBName[:], h.DBName, "database name"); err != nil {
		return nil, err
	}
	if err := putFixedString(w.DBRelease[:], h.DBRelease, "database release"); err != nil {
		return nil, err
	}
	if err := putFixedString(w.DiskCompat[:], h.DiskCompat, "disk compatibility"); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, order, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *BackupHeader) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("%w: backup header of %d bytes, expected %d", ErrMalformedPacket, len(data), HeaderSize)
	}

	var w headerWire
	if err := binary.Read(bytes.NewReader(data), order, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	if magic := fixedString(w.Magic[:]); magic != Magic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformedPacket, magic)
	}

	*h = BackupHeader{
		BackupID:       uuid.UUID(w.BackupID),
		DBName:         fixedString(w.DBName[:]),
		DBRelease:      fixedString(w.DBRelease[:]),
		CreationTime:   fromUnixSeconds(w.CreationTime),
		PageSize:       w.PageSize,
		BlockSize:      w.BlockSize,
		CheckpointLSA:  common.LSA{PageID: common.LogPageID(w.CheckpointPage), Offset: w.CheckpointOffset},
		DiskCompat:     fixedString(w.DiskCompat[:]),
		CompressMethod: compress.Method(w.CompressMethod),
		CompressLevel:  w.CompressLevel,
		StartTime:      fromUnixSeconds(w.StartTime),
		EndTime:        fromUnixSeconds(w.EndTime),
		BuildReplica:   w.BuildReplica != 0,
		EndLSA:         common.LSA{PageID: common.LogPageID(w.EndPage), Offset: w.EndOffset},
	}
	return nil
}
