package backup

import (
	"errors"

	"github.com/Blackdeer1524/hotbackup/src/backup/coordinator"
	"github.com/Blackdeer1524/hotbackup/src/bufferpool"
	"github.com/Blackdeer1524/hotbackup/src/compress"
)

var (
	ErrBackupAlreadyInProgress = errors.New("backup already in progress")
	ErrSessionClosed           = errors.New("backup session closed")
	ErrVolumesNotBackedUp      = errors.New("volumes must be backed up before the log")

	ErrShortRead         = coordinator.ErrShortRead
	ErrIO                = coordinator.ErrIO
	ErrInterrupted       = coordinator.ErrInterrupted
	ErrOutOfMemory       = bufferpool.ErrOutOfMemory
	ErrCompressionFailed = compress.ErrCompressionFailed
)
