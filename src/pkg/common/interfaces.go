package common

import "io"

// LogManager is the part of the log subsystem the backup pipeline relies
// on. Methods with the AssumeLocked suffix expect the caller to be inside
// the log critical section (Lock/Unlock).
type LogManager interface {
	Lock()
	Unlock()

	CheckpointLSAAssumeLocked() LSA
	// FirstRequiredArchiveAssumeLocked returns the archive that holds
	// the current checkpoint, or the number the next archive will get
	// if the checkpoint has not been archived yet.
	FirstRequiredArchiveAssumeLocked() ArchiveNum
	NextArchivePageAssumeLocked() LogPageID
	LastArchiveAssumeLocked() ArchiveNum
	ForceArchiveAssumeLocked() error
	FlushUpToAssumeLocked(lsa LSA) error
	SetBackupWatermarkAssumeLocked(lsa LSA) error
	PruneArchivesAssumeLocked() error

	AppendLSA() LSA

	ArchiveVolume(num ArchiveNum) Volume
	ActiveLogVolume() Volume
	LogInfoVolume() (Volume, bool)
}

type CheckpointScheduler interface {
	// TryPause stops future checkpoints. It reports false, changing
	// nothing, while a checkpoint is running.
	TryPause() bool
	Resume()
}

type TxnTable interface {
	Lock()
	Unlock()
	AnyActiveAssumeLocked() bool
}

type VolumeFile interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

type VolumeManager interface {
	// Volumes lists the volume directory in backup order.
	Volumes() ([]Volume, error)
	Open(vol Volume) (VolumeFile, error)
	ResetCheckpointLSA(volID VolumeID, lsa LSA) error
	FlushVolume(volID VolumeID) error
}
