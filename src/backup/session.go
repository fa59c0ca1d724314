package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/hotbackup/src/bufferpool"
	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/packet"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

// Options configure one backup.
type Options struct {
	// Parallelism is the number of reader threads per volume.
	Parallelism int
	Compress    bool
	// Method is the codec used when Compress is set. MethodNone picks
	// lz4.
	Method compress.Method
	Level  int
	// Throttle is slept after every unit of a data volume.
	Throttle time.Duration
	// BuildReplica drops the end-of-file unit of every volume.
	BuildReplica bool
	// BlockPages is the number of pages per backup unit.
	BlockPages int
	// MaxNodes caps the buffer pool, zero means no cap.
	MaxNodes int
	Reply    packet.Reply
}

func (o Options) withDefaults() Options {
	o.Parallelism = max(o.Parallelism, 1)
	o.BlockPages = max(o.BlockPages, 1)
	if o.Compress && o.Method == compress.MethodNone {
		o.Method = compress.MethodLZ4
	}
	if !o.Compress {
		o.Method = compress.MethodNone
		o.Level = 0
	}
	return o
}

type volumeCursor struct {
	label string
	file  common.VolumeFile
	size  int64
}

// Session is one running backup. It is driven by a single goroutine:
// BackupVolumes, then BackupLog, which always tears the session down.
type Session struct {
	deps Dependencies
	opts Options

	header       *packet.BackupHeader
	firstArchive common.ArchiveNum
	blockSize    int

	out     *packet.Writer
	codec   compress.Codec
	adapter *compress.Adapter
	pool    *bufferpool.Pool
	workers *ants.Pool
	guard   *Guard

	cursor      volumeCursor
	volumesDone bool

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Prepare starts a backup streamed to dest. It fails with
// ErrBackupAlreadyInProgress while another session is active.
func (r *Registry) Prepare(ctx context.Context, dest io.Writer, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	guard, anchor, err := r.TryBegin(ctx)
	if err != nil {
		return nil, err
	}

	s, err := r.newSession(dest, opts, guard, anchor)
	if err != nil {
		guard.Release()
		return nil, err
	}

	r.deps.Logger.Infow(
		"backup session prepared",
		"backup_id", s.header.BackupID.String(),
		"checkpoint_lsa", anchor.CheckpointLSA.String(),
		"first_archive", anchor.FirstArchive,
		"parallelism", opts.Parallelism,
		"compression", opts.Method.String(),
		"build_replica", opts.BuildReplica,
	)
	return s, nil
}

func (r *Registry) newSession(dest io.Writer, opts Options, guard *Guard, anchor Anchor) (*Session, error) {
	codec, err := compress.NewCodec(opts.Method, opts.Level)
	if err != nil {
		return nil, err
	}

	workers, err := ants.NewPool(opts.Parallelism)
	if err != nil {
		if codec != nil {
			err = errors.Join(err, codec.Close())
		}
		return nil, fmt.Errorf("failed to create reader pool: %w", err)
	}

	blockSize := r.deps.PageSize * opts.BlockPages
	adapter := compress.NewAdapter(codec, blockSize)
	now := r.deps.Clock()

	header := &packet.BackupHeader{
		BackupID:       uuid.New(),
		DBName:         r.deps.DBName,
		DBRelease:      r.deps.DBRelease,
		CreationTime:   now,
		PageSize:       int32(r.deps.PageSize),
		BlockSize:      int32(blockSize),
		CheckpointLSA:  anchor.CheckpointLSA,
		DiskCompat:     r.deps.DiskCompat,
		CompressMethod: opts.Method,
		CompressLevel:  int32(opts.Level),
		StartTime:      now,
		BuildReplica:   opts.BuildReplica,
		EndLSA:         common.NullLSA,
	}

	return &Session{
		deps:         r.deps,
		opts:         opts,
		header:       header,
		firstArchive: anchor.FirstArchive,
		blockSize:    blockSize,
		out:          packet.NewWriter(dest, opts.Reply),
		codec:        codec,
		adapter:      adapter,
		pool:         bufferpool.NewPool(blockSize, adapter.ZipBufferSize(), opts.MaxNodes),
		workers:      workers,
		guard:        guard,
	}, nil
}

// Header returns a copy of the backup header.
func (s *Session) Header() packet.BackupHeader {
	return *s.header
}

func (s *Session) FirstArchive() common.ArchiveNum {
	return s.firstArchive
}

// Pool exposes the node pool, mostly for leak checks.
func (s *Session) Pool() *bufferpool.Pool {
	return s.pool
}

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Close resumes checkpoints, clears the in-progress flag and frees the
// session resources. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.guard.Release()
		s.workers.Release()
		if s.codec != nil {
			s.closeErr = s.codec.Close()
		}

		s.deps.Logger.Infow(
			"backup session closed",
			"backup_id", s.header.BackupID.String(),
			"packets", s.out.Packets(),
			"nodes_allocated", s.pool.HighWaterMark(),
		)
	})
	return s.closeErr
}
