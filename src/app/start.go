package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/hotbackup/src"
	"github.com/Blackdeer1524/hotbackup/src/backup"
	"github.com/Blackdeer1524/hotbackup/src/packet"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
	"github.com/Blackdeer1524/hotbackup/src/pkg/utils"
	"github.com/Blackdeer1524/hotbackup/src/recovery"
	"github.com/Blackdeer1524/hotbackup/src/storage/disk"
	"github.com/Blackdeer1524/hotbackup/src/txns"
)

// DiskCompat tags the on-disk format a backup can be restored onto.
const DiskCompat = "hotdb-1"

// Entrypoint wires the storage, log and transaction subsystems to the
// backup registry. Env and Fs may be set before Init; otherwise the
// environment and the OS filesystem are used.
type Entrypoint struct {
	Env    envVars
	Fs     afero.Fs
	Logger src.Logger

	log         src.Logger
	disk        *disk.Manager
	wal         *recovery.LogManager
	checkpoints *recovery.Checkpointer
	txns        *txns.Table
	registry    *backup.Registry

	requests        atomic.Int64
	stopCheckpoints context.CancelFunc
	checkpointLoop  sync.WaitGroup
}

func (e *Entrypoint) Init(ctx context.Context) error {
	if e.Env == (envVars{}) {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		e.Env = env
	} else if err := e.Env.validate(); err != nil {
		return err
	}

	e.log = e.Logger
	if e.log == nil {
		if e.Env.Environment == EnvDev {
			e.log = utils.Must(zap.NewDevelopment()).Sugar()
		} else {
			e.log = utils.Must(zap.NewProduction()).Sugar()
		}
	}
	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	var err error
	e.disk, err = disk.New(e.Fs, e.Env.DataDir, e.Env.DBName, e.Env.PageSize)
	if err != nil {
		return fmt.Errorf("failed to open volumes: %w", err)
	}

	e.wal, err = recovery.Open(e.Fs, filepath.Join(e.Env.DataDir, "log"), e.Env.DBName, e.Env.PageSize, e.log)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	e.checkpoints = recovery.NewCheckpointer(e.wal, e.flushDataVolumes, e.log)
	e.txns = txns.NewTable()
	e.registry = backup.NewRegistry(backup.Dependencies{
		Log:             e.wal,
		Checkpoints:     e.checkpoints,
		Txns:            e.txns,
		Volumes:         e.disk,
		Logger:          e.log,
		DBName:          e.Env.DBName,
		DBRelease:       e.Env.DBRelease,
		PageSize:        e.Env.PageSize,
		DiskCompat:      DiskCompat,
		CheckpointRetry: e.Env.CheckpointRetry,
		QuiescePoll:     e.Env.QuiescePoll,
	})

	if e.Env.CheckpointInterval > 0 {
		var loopCtx context.Context
		loopCtx, e.stopCheckpoints = context.WithCancel(context.WithoutCancel(ctx))
		e.checkpointLoop.Add(1)
		go func() {
			defer e.checkpointLoop.Done()
			e.checkpoints.Run(loopCtx, e.Env.CheckpointInterval)
		}()
	}

	e.log.Infow(
		"database opened",
		"db", e.Env.DBName,
		"data_dir", e.Env.DataDir,
		"page_size", e.Env.PageSize,
		"checkpoint_interval", e.Env.CheckpointInterval.String(),
	)
	return nil
}

func (e *Entrypoint) flushDataVolumes() error {
	vols, err := e.disk.Volumes()
	if err != nil {
		return err
	}
	for _, vol := range vols {
		if vol.ID < common.FirstDataVolumeID || vol.Kind.IsLog() {
			continue
		}
		if err := e.disk.FlushVolume(vol.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Entrypoint) Disk() *disk.Manager {
	return e.disk
}

func (e *Entrypoint) Log() *recovery.LogManager {
	return e.wal
}

func (e *Entrypoint) Checkpoints() *recovery.Checkpointer {
	return e.checkpoints
}

func (e *Entrypoint) Txns() *txns.Table {
	return e.txns
}

func (e *Entrypoint) Registry() *backup.Registry {
	return e.registry
}

// Backup runs a full backup to dest with the configured options.
func (e *Entrypoint) Backup(ctx context.Context, dest io.Writer, prune bool) error {
	opts := e.Env.backupOptions()
	opts.Reply.RequestID = e.requests.Add(1)

	s, err := e.registry.Prepare(ctx, dest, opts)
	if err != nil {
		return err
	}
	if err := s.BackupVolumes(ctx); err != nil {
		return err
	}
	return s.BackupLog(ctx, prune)
}

func (e *Entrypoint) BackupToFile(ctx context.Context, path string, prune bool) (err error) {
	dest, err := packet.CreateFile(e.Fs, path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dest.Close())
	}()
	return e.Backup(ctx, dest, prune)
}

// BackupToAgent streams a backup to a remote agent listening on the
// other end of conn.
func (e *Entrypoint) BackupToAgent(ctx context.Context, conn io.ReadWriteCloser, prune bool) (err error) {
	dest, err := packet.DialAgent(conn)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dest.Close())
	}()
	return e.Backup(ctx, dest, prune)
}

func (e *Entrypoint) Close() (err error) {
	if e.stopCheckpoints != nil {
		e.stopCheckpoints()
		e.checkpointLoop.Wait()
	}

	if e.log != nil {
		err = e.log.Sync()
	}
	return
}
