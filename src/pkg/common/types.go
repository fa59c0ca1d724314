package common

import (
	"fmt"
	"time"
)

type (
	VolumeID   int32
	PageID     int64
	LogPageID  int64
	ArchiveNum int32
	TxnID      uint64
)

const (
	// EOFPageID tags the synthetic all-zero unit that closes a volume
	// in the backup stream.
	EOFPageID PageID = -1

	NullArchiveNum ArchiveNum = -1
	NilTxnID       TxnID      = 0
)

// Reserved volume ids. Everything below FirstDataVolumeID belongs to the
// system range and is never touched by checkpoint marker resets.
const (
	LogArchiveVolumeID      VolumeID = -20
	VolumeDirectoryVolumeID VolumeID = -5
	LogInfoVolumeID         VolumeID = -4
	BackupInfoVolumeID      VolumeID = -3
	LogActiveVolumeID       VolumeID = -2
	FirstDataVolumeID       VolumeID = 0
)

// LSA is a log sequence address: a log page and an offset inside it.
type LSA struct {
	PageID LogPageID `json:"page_id"`
	Offset int32     `json:"offset"`
}

var NullLSA = LSA{PageID: -1, Offset: -1}

func (l LSA) IsNull() bool {
	return l.PageID < 0
}

// Compare returns -1, 0 or 1 when l is before, equal to or after o.
func (l LSA) Compare(o LSA) int {
	switch {
	case l.PageID < o.PageID:
		return -1
	case l.PageID > o.PageID:
		return 1
	case l.Offset < o.Offset:
		return -1
	case l.Offset > o.Offset:
		return 1
	}
	return 0
}

func (l LSA) String() string {
	return fmt.Sprintf("%d@%d", l.PageID, l.Offset)
}

type VolumeKind int

const (
	KindData VolumeKind = iota
	KindTemp
	KindVolumeDirectory
	KindLogActive
	KindLogArchive
	KindLogInfo
	KindBackupInfo
)

func (k VolumeKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindTemp:
		return "temp"
	case KindVolumeDirectory:
		return "volume-directory"
	case KindLogActive:
		return "log-active"
	case KindLogArchive:
		return "log-archive"
	case KindLogInfo:
		return "log-info"
	case KindBackupInfo:
		return "backup-info"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsLog reports whether the volume belongs to the log subsystem and is
// therefore copied by the log phase, not the volume phase.
func (k VolumeKind) IsLog() bool {
	switch k {
	case KindLogActive, KindLogArchive, KindLogInfo, KindBackupInfo:
		return true
	}
	return false
}

// Volume describes one file the server owns.
type Volume struct {
	ID    VolumeID   `json:"id"`
	Label string     `json:"label"`
	Path  string     `json:"path"`
	Kind  VolumeKind `json:"kind"`

	// StopAfterPage bounds the copy to pages [0, StopAfterPage] when
	// Bounded is set. A volume without a bound is copied whole.
	Bounded       bool   `json:"bounded,omitempty"`
	StopAfterPage PageID `json:"stop_after_page,omitempty"`
}

// StopPage returns the last page to copy, or -1 for an unbounded volume.
func (v Volume) StopPage() PageID {
	if !v.Bounded {
		return -1
	}
	return v.StopAfterPage
}

type Clock func() time.Time
