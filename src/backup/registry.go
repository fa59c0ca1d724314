package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Blackdeer1524/hotbackup/src"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
	"github.com/Blackdeer1524/hotbackup/src/pkg/utils"
)

const (
	DefaultCheckpointRetry = 100 * time.Millisecond
	DefaultQuiescePoll     = 50 * time.Millisecond
)

// Dependencies are the server subsystems a backup works against.
type Dependencies struct {
	Log         common.LogManager
	Checkpoints common.CheckpointScheduler
	Txns        common.TxnTable
	Volumes     common.VolumeManager
	Logger      src.Logger

	DBName     string
	DBRelease  string
	PageSize   int
	DiskCompat string

	CheckpointRetry time.Duration
	QuiescePoll     time.Duration
	Clock           common.Clock
}

// admission is the process-wide in-progress flag. Every Registry shares
// it, so a second Registry cannot start a concurrent backup either.
var admission struct {
	mu         sync.Mutex
	inProgress bool
}

// Registry admits at most one backup session per process. The
// in-progress flag and the checkpoint pause are changed only under the
// log lock, then the admission lock.
type Registry struct {
	deps Dependencies
}

func NewRegistry(deps Dependencies) *Registry {
	if deps.CheckpointRetry <= 0 {
		deps.CheckpointRetry = DefaultCheckpointRetry
	}
	if deps.QuiescePoll <= 0 {
		deps.QuiescePoll = DefaultQuiescePoll
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Registry{deps: deps}
}

// InProgress reports whether any backup session in the process is active.
func (r *Registry) InProgress() bool {
	admission.mu.Lock()
	defer admission.mu.Unlock()
	return admission.inProgress
}

// Anchor is the log position a backup is consistent with.
type Anchor struct {
	CheckpointLSA common.LSA
	FirstArchive  common.ArchiveNum
}

// Guard releases what TryBegin took. Release is idempotent.
type Guard struct {
	r    *Registry
	once sync.Once
}

func (g *Guard) Release() {
	g.once.Do(func() {
		g.r.deps.Log.Lock()
		defer g.r.deps.Log.Unlock()
		admission.mu.Lock()
		defer admission.mu.Unlock()

		g.r.deps.Checkpoints.Resume()
		admission.inProgress = false
	})
}

// TryBegin pauses checkpoints and marks a backup as running. While a
// checkpoint is running it retries every CheckpointRetry until ctx is
// done. Nothing is changed when it fails.
func (r *Registry) TryBegin(ctx context.Context) (*Guard, Anchor, error) {
	for attempt := 1; ; attempt++ {
		guard, a, paused, err := r.tryBeginOnce()
		if err != nil || paused {
			return guard, a, err
		}

		r.deps.Logger.Infow(
			"checkpoint is running, waiting to pause it",
			"attempt", attempt,
			"retry_in", r.deps.CheckpointRetry.String(),
		)
		if !utils.Sleep(ctx, r.deps.CheckpointRetry) {
			return nil, Anchor{}, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		}
	}
}

// tryBeginOnce makes one admission attempt. paused is false when a
// checkpoint is running and the caller should retry.
func (r *Registry) tryBeginOnce() (_ *Guard, _ Anchor, paused bool, _ error) {
	r.deps.Log.Lock()
	defer r.deps.Log.Unlock()
	admission.mu.Lock()
	defer admission.mu.Unlock()

	if admission.inProgress {
		return nil, Anchor{}, false, ErrBackupAlreadyInProgress
	}
	if !r.deps.Checkpoints.TryPause() {
		return nil, Anchor{}, false, nil
	}

	admission.inProgress = true
	a := Anchor{
		CheckpointLSA: r.deps.Log.CheckpointLSAAssumeLocked(),
		FirstArchive:  r.deps.Log.FirstRequiredArchiveAssumeLocked(),
	}
	return &Guard{r: r}, a, true, nil
}
