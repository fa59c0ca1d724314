package backup

import (
	"context"
	"fmt"

	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

// BackupVolumes sends the backup header and copies every permanent volume
// in directory order. Log volumes are left to BackupLog. Data volumes get
// their checkpoint marker reset to the captured LSA and their dirty pages
// flushed before they are read. The session is closed on failure.
func (s *Session) BackupVolumes(ctx context.Context) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.deps.Logger.Errorw("volume backup failed", "backup_id", s.header.BackupID.String(), "error", err)
			_ = s.Close()
		}
	}()

	if err := s.out.Header(s.header); err != nil {
		return err
	}

	vols, err := s.deps.Volumes.Volumes()
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}

	for _, vol := range vols {
		if vol.Kind.IsLog() {
			continue
		}

		if vol.ID >= common.FirstDataVolumeID {
			if err := s.deps.Volumes.ResetCheckpointLSA(vol.ID, s.header.CheckpointLSA); err != nil {
				return fmt.Errorf("failed to reset checkpoint of %s: %w", vol.Label, err)
			}
			if err := s.deps.Volumes.FlushVolume(vol.ID); err != nil {
				return fmt.Errorf("failed to flush %s: %w", vol.Label, err)
			}
		}

		if err := s.backupVolume(ctx, vol); err != nil {
			return err
		}
	}

	if err := s.out.VolsBackupEnd(); err != nil {
		return err
	}
	s.volumesDone = true
	return nil
}
