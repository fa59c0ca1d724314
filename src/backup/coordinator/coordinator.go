package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/hotbackup/src"
	"github.com/Blackdeer1524/hotbackup/src/bufferpool"
	"github.com/Blackdeer1524/hotbackup/src/pkg/assert"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
	"github.com/Blackdeer1524/hotbackup/src/pkg/utils"
)

var (
	ErrShortRead   = errors.New("short read from volume")
	ErrIO          = errors.New("volume i/o error")
	ErrInterrupted = errors.New("backup interrupted")
)

type Source interface {
	ReadAt(p []byte, off int64) (int, error)
}

type Compressor interface {
	Compress(n *bufferpool.Node) error
}

type Sink interface {
	Data(pageID common.PageID, payload []byte) error
}

type Config struct {
	// Readers is the degree of parallelism. It is clamped to [1, units].
	Readers  int
	UnitSize int
	Units    int64
	// VolumeSize is the byte length of the source; the last unit may be
	// shorter than UnitSize.
	VolumeSize int64
	Throttle   time.Duration
	Label      string
}

// Coordinator copies Units blocks of a volume from Source to Sink. Disk
// reads are serialized under the coordinator lock, compression runs on
// the readers in parallel and the writer emits nodes in page order.
type Coordinator struct {
	cfg Config

	mu    sync.Mutex
	cond  *sync.Cond
	state *State
	queue *bufferpool.Queue

	pool       *bufferpool.Pool
	src        Source
	compressor Compressor
	sink       Sink
	workers    *ants.Pool
	log        src.Logger
}

// New builds a coordinator. workers may be nil, in which case readers run
// on plain goroutines.
func New(
	cfg Config,
	pool *bufferpool.Pool,
	source Source,
	compressor Compressor,
	sink Sink,
	workers *ants.Pool,
	log src.Logger,
) *Coordinator {
	assert.Assert(cfg.UnitSize > 0, "unit size must be greater than zero")
	assert.Assert(cfg.Units >= 0, "negative unit count: %d", cfg.Units)

	readers := max(cfg.Readers, 1)
	if cfg.Units > 0 && int64(readers) > cfg.Units {
		readers = int(cfg.Units)
	}
	if cfg.Units == 0 {
		readers = 1
	}
	cfg.Readers = readers

	c := &Coordinator{
		cfg:        cfg,
		state:      NewState(cfg.Units, readers),
		queue:      bufferpool.NewQueue(),
		pool:       pool,
		src:        source,
		compressor: compressor,
		sink:       sink,
		workers:    workers,
		log:        log,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run drives the readers and the writer to completion. The writer runs on
// the calling goroutine. Cancelling ctx interrupts every party.
func (c *Coordinator) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.fail(fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx)))
	})

	var wg sync.WaitGroup
	for i := range c.cfg.Readers {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			c.reader(ctx)
		}

		if c.workers == nil {
			go task()
			continue
		}
		if err := c.workers.Submit(task); err != nil {
			wg.Done()
			c.fail(fmt.Errorf("failed to start reader %d: %w", i, err))
			c.abandonReader()
		}
	}

	c.writer()
	stop()
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.queue.Drain() {
		c.pool.Release(n)
	}

	if err := c.state.Err(); err != nil {
		c.log.Warnw(
			"volume copy interrupted",
			"volume", c.cfg.Label,
			"mode", c.state.Mode().String(),
			"error", err,
		)
		return err
	}
	return nil
}

// abandonReader accounts for a reader that never started so the final
// drain is not waited on forever.
func (c *Coordinator) abandonReader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.finished++
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAssumeLocked(err)
}

func (c *Coordinator) failAssumeLocked(err error) {
	c.state.Interrupt(err)
	c.cond.Broadcast()
}

func (c *Coordinator) reader(ctx context.Context) {
	var carried *bufferpool.Node

	c.mu.Lock()
	for {
		switch c.state.NextReaderAction(carried != nil) {
		case ReaderWait:
			c.cond.Wait()
			continue
		case ReaderUnwind, ReaderFinish:
			c.mu.Unlock()
			return
		case ReaderFinishLast:
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		case ReaderHandOff:
			carried.MarkReady()
			carried = nil
			c.cond.Broadcast()
			continue
		case ReaderClaim:
		}

		pageID := c.state.ClaimPage()
		node, err := c.pool.Acquire()
		if err != nil {
			c.failAssumeLocked(err)
			c.mu.Unlock()
			return
		}
		node.PageID = pageID

		// The read stays under the lock so the volume is scanned
		// sequentially no matter how many readers there are.
		readErr := c.readUnitAssumeLocked(node)
		c.queue.Enqueue(node)
		c.mu.Unlock()

		if readErr != nil {
			c.fail(readErr)
			return
		}
		if err := c.compressor.Compress(node); err != nil {
			c.fail(err)
			return
		}
		if c.cfg.Throttle > 0 {
			utils.Sleep(ctx, c.cfg.Throttle)
		}

		carried = node
		c.mu.Lock()
	}
}

func (c *Coordinator) readUnitAssumeLocked(node *bufferpool.Node) error {
	raw := node.Raw()[:c.cfg.UnitSize]
	offset := int64(node.PageID) * int64(c.cfg.UnitSize)
	expected := min(int64(c.cfg.UnitSize), c.cfg.VolumeSize-offset)

	clear(raw)
	n, err := c.src.ReadAt(raw[:max(expected, 0)], offset)
	node.ReadSize = n

	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == expected) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s unit %d: got %d of %d bytes", ErrShortRead, c.cfg.Label, node.PageID, n, expected)
		}
		return fmt.Errorf("%w: %s unit %d: %w", ErrIO, c.cfg.Label, node.PageID, err)
	}
	if n <= 0 || int64(n) < expected {
		return fmt.Errorf("%w: %s unit %d: got %d of %d bytes", ErrShortRead, c.cfg.Label, node.PageID, n, expected)
	}
	return nil
}

func (c *Coordinator) writer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		switch c.state.NextWriterAction() {
		case WriterWait:
			c.cond.Wait()
			continue
		case WriterUnwind:
			return
		case WriterDrain:
		}

		for head := c.queue.Head(); head != nil && head.Ready(); head = c.queue.Head() {
			c.queue.Dequeue()
			pageID := head.PageID
			err := c.sink.Data(pageID, head.Payload())
			c.pool.Release(head)
			if err != nil {
				c.failAssumeLocked(fmt.Errorf("failed to send unit %d of %s: %w", pageID, c.cfg.Label, err))
				return
			}
		}

		if c.state.FinishDrain(c.queue.Len() == 0) {
			return
		}
		c.cond.Broadcast()
	}
}
