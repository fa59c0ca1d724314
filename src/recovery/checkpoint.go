package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Blackdeer1524/hotbackup/src"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

var ErrCheckpointSkipped = errors.New("checkpoint skipped")

// Checkpointer runs checkpoints: it flushes the data volumes and then
// moves the log checkpoint to the append point. A backup pauses it so the
// captured checkpoint stays valid while volumes are copied.
type Checkpointer struct {
	log          *LogManager
	flushVolumes func() error
	logger       src.Logger

	mu      sync.Mutex
	running bool
	paused  bool
}

var _ common.CheckpointScheduler = &Checkpointer{}

// NewCheckpointer builds a scheduler. flushVolumes writes every dirty data
// page and may be nil.
func NewCheckpointer(log *LogManager, flushVolumes func() error, logger src.Logger) *Checkpointer {
	if flushVolumes == nil {
		flushVolumes = func() error { return nil }
	}
	return &Checkpointer{
		log:          log,
		flushVolumes: flushVolumes,
		logger:       logger,
	}
}

func (c *Checkpointer) TryPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return false
	}
	c.paused = true
	return true
}

func (c *Checkpointer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *Checkpointer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Checkpointer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Checkpoint runs one checkpoint. It returns ErrCheckpointSkipped while
// paused or while another checkpoint is running.
func (c *Checkpointer) Checkpoint() (lsa common.LSA, err error) {
	c.mu.Lock()
	if c.paused || c.running {
		c.mu.Unlock()
		return common.NullLSA, ErrCheckpointSkipped
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.flushVolumes(); err != nil {
		return common.NullLSA, err
	}
	return c.log.Checkpoint()
}

// Run checkpoints every interval until ctx is done.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lsa, err := c.Checkpoint()
		switch {
		case errors.Is(err, ErrCheckpointSkipped):
			c.logger.Debugw("checkpoint skipped", "paused", c.Paused())
		case err != nil:
			c.logger.Errorw("checkpoint failed", "error", err)
		default:
			c.logger.Debugw("checkpoint done", "lsa", lsa.String())
		}
	}
}
