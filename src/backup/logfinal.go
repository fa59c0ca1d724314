package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
	"github.com/Blackdeer1524/hotbackup/src/pkg/utils"
)

// BackupLog copies the archives needed since the captured checkpoint,
// waits until no transaction is running to fix the backup end point,
// then copies the rest of the log and records the watermark. The
// session is closed when it returns, whatever the outcome.
func (s *Session) BackupLog(ctx context.Context, prune bool) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.deps.Logger.Errorw("log backup failed", "backup_id", s.header.BackupID.String(), "error", err)
		}
		err = errors.Join(err, s.Close())
	}()

	if !s.volumesDone {
		return ErrVolumesNotBackedUp
	}

	log := s.deps.Log

	log.Lock()
	var archiveErr error
	if log.NextArchivePageAssumeLocked() <= s.header.CheckpointLSA.PageID {
		archiveErr = log.ForceArchiveAssumeLocked()
	}
	last := log.LastArchiveAssumeLocked()
	log.Unlock()
	if archiveErr != nil {
		return fmt.Errorf("failed to archive the active log: %w", archiveErr)
	}

	next, err := s.backupArchives(ctx, s.firstArchive, last)
	if err != nil {
		return err
	}

	end, err := s.waitForQuiescence(ctx)
	if err != nil {
		return err
	}
	s.header.EndLSA = end

	log.Lock()
	err = s.finishLogAssumeLocked(ctx, end, next, prune)
	log.Unlock()
	if err != nil {
		return err
	}

	s.header.EndTime = s.deps.Clock()
	if err := s.out.LogsBackupEnd(end, s.header.EndTime); err != nil {
		return err
	}

	s.deps.Logger.Infow(
		"backup completed",
		"backup_id", s.header.BackupID.String(),
		"end_lsa", end.String(),
		"duration", s.header.EndTime.Sub(s.header.StartTime).String(),
	)
	return nil
}

// backupArchives copies archives first..last and returns the number of
// the next archive to copy.
func (s *Session) backupArchives(ctx context.Context, first, last common.ArchiveNum) (common.ArchiveNum, error) {
	next := max(first, 0)
	for ; next <= last; next++ {
		if err := s.backupVolume(ctx, s.deps.Log.ArchiveVolume(next)); err != nil {
			return next, err
		}
	}
	return next, nil
}

// waitForQuiescence polls the transaction table until no transaction is
// running and returns the log append point seen at that moment. Lock
// order is transaction table, then log.
func (s *Session) waitForQuiescence(ctx context.Context) (common.LSA, error) {
	for poll := 1; ; poll++ {
		s.deps.Txns.Lock()
		if !s.deps.Txns.AnyActiveAssumeLocked() {
			end := s.deps.Log.AppendLSA()
			s.deps.Txns.Unlock()

			s.deps.Logger.Debugw("transactions quiesced", "polls", poll, "end_lsa", end.String())
			return end, nil
		}
		s.deps.Txns.Unlock()

		s.deps.Logger.Debugw("waiting for active transactions", "poll", poll)
		if !utils.Sleep(ctx, s.deps.QuiescePoll) {
			return common.NullLSA, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		}
	}
}

func (s *Session) finishLogAssumeLocked(ctx context.Context, end common.LSA, next common.ArchiveNum, prune bool) error {
	log := s.deps.Log

	if err := log.FlushUpToAssumeLocked(end); err != nil {
		return fmt.Errorf("failed to flush the log up to %s: %w", end, err)
	}

	// archives made while waiting for quiescence
	for last := log.LastArchiveAssumeLocked(); next <= last; last = log.LastArchiveAssumeLocked() {
		var err error
		if next, err = s.backupArchives(ctx, next, last); err != nil {
			return err
		}
	}

	if info, ok := log.LogInfoVolume(); ok {
		if err := s.backupVolume(ctx, info); err != nil {
			return err
		}
	}

	if err := log.SetBackupWatermarkAssumeLocked(end); err != nil {
		return fmt.Errorf("failed to record the backup watermark: %w", err)
	}
	s.deps.Logger.Infow("backup watermark updated", "backup_id", s.header.BackupID.String(), "watermark", end.String())

	if err := s.backupVolume(ctx, log.ActiveLogVolume()); err != nil {
		return err
	}

	if prune {
		if err := log.PruneArchivesAssumeLocked(); err != nil {
			return fmt.Errorf("failed to prune archives: %w", err)
		}
	}
	return nil
}
