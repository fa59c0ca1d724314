package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/Blackdeer1524/hotbackup/src/backup/coordinator"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

// unitCount is the number of blockSize units covering size bytes. A
// non-negative stopAfter limits the copy to pages 0..stopAfter.
func unitCount(size int64, blockSize int, stopAfter common.PageID, pageSize int) int64 {
	block := int64(blockSize)
	units := (size + block - 1) / block
	if stopAfter >= 0 {
		limit := ((int64(stopAfter)+1)*int64(pageSize) + block - 1) / block
		units = min(units, limit)
	}
	return units
}

// backupVolume streams one volume: VOL_START, its units in page order,
// the end-of-file unit unless a replica is being built, and VOL_END. The
// volume is closed and the cursor cleared on every path.
func (s *Session) backupVolume(ctx context.Context, vol common.Volume) (err error) {
	file, err := s.deps.Volumes.Open(vol)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", vol.Label, err)
	}
	defer func() {
		s.cursor = volumeCursor{}
		if closeErr := file.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close volume %s: %w", vol.Label, closeErr))
		}
	}()

	size, err := file.Size()
	if err != nil {
		return fmt.Errorf("failed to size volume %s: %w", vol.Label, err)
	}
	s.cursor = volumeCursor{label: vol.Label, file: file, size: size}

	units := unitCount(size, s.blockSize, vol.StopPage(), s.deps.PageSize)
	if err := s.out.VolStart(vol.ID, size, vol.Label); err != nil {
		return err
	}

	s.deps.Logger.Infow(
		"backing up volume",
		"backup_id", s.header.BackupID.String(),
		"volume", vol.Label,
		"kind", vol.Kind.String(),
		"size", humanize.IBytes(uint64(size)),
		"units", units,
	)

	cfg := coordinator.Config{
		Readers:    s.opts.Parallelism,
		UnitSize:   s.blockSize,
		Units:      units,
		VolumeSize: size,
		Label:      vol.Label,
	}
	if !vol.Kind.IsLog() {
		cfg.Throttle = s.opts.Throttle
	}

	c := coordinator.New(cfg, s.pool, file, s.adapter, s.out, s.workers, s.deps.Logger)
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("failed to back up volume %s: %w", vol.Label, err)
	}

	if !s.header.BuildReplica {
		if err := s.writeEOFUnit(); err != nil {
			return err
		}
	}
	if err := s.out.VolEnd(); err != nil {
		return err
	}

	s.deps.Logger.Debugw("volume backed up", "volume", vol.Label, "bytes_sent", humanize.IBytes(uint64(s.out.Bytes())))
	return nil
}

// writeEOFUnit sends an all-zero unit tagged with EOFPageID through the
// same compression path as the data units.
func (s *Session) writeEOFUnit() error {
	node, err := s.pool.Acquire()
	if err != nil {
		return err
	}
	defer s.pool.Release(node)

	clear(node.Raw())
	node.PageID = common.EOFPageID
	if err := s.adapter.Compress(node); err != nil {
		return err
	}
	return s.out.Data(common.EOFPageID, node.Payload())
}
