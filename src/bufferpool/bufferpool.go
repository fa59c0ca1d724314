package bufferpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/hotbackup/src/pkg/assert"
)

var ErrOutOfMemory = errors.New("backup buffer pool: out of memory")

// Pool hands out reusable Nodes. Released nodes go to a free list and are
// reused before anything new is allocated.
type Pool struct {
	rawSize  int
	zipSize  int
	maxNodes int

	mu        sync.Mutex
	freeNodes []*Node
	allocated int
}

// NewPool builds a pool of nodes with rawSize bytes for the page and
// zipSize bytes for its compressed form (zero disables the zip area).
// maxNodes caps the number of nodes ever allocated; zero means no cap.
func NewPool(rawSize, zipSize, maxNodes int) *Pool {
	assert.Assert(rawSize > 0, "raw size must be greater than zero")
	assert.Assert(zipSize >= 0 && maxNodes >= 0, "negative pool sizing: zip=%d max=%d", zipSize, maxNodes)

	return &Pool{
		rawSize:   rawSize,
		zipSize:   zipSize,
		maxNodes:  maxNodes,
		freeNodes: []*Node{},
	}
}

func (p *Pool) Acquire() (*Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.reserveNode(); n != nil {
		return n, nil
	}

	if p.maxNodes > 0 && p.allocated >= p.maxNodes {
		return nil, fmt.Errorf("%w: %d nodes already allocated", ErrOutOfMemory, p.allocated)
	}

	n := &Node{raw: make([]byte, p.rawSize)}
	if p.zipSize > 0 {
		n.zip = make([]byte, p.zipSize)
	}
	p.allocated++
	return n, nil
}

func (p *Pool) reserveNode() *Node {
	if len(p.freeNodes) == 0 {
		return nil
	}

	n := p.freeNodes[len(p.freeNodes)-1]
	p.freeNodes[len(p.freeNodes)-1] = nil
	p.freeNodes = p.freeNodes[:len(p.freeNodes)-1]
	n.free = false
	return n
}

// Release puts n back on the free list. The ready flag is always cleared.
func (p *Pool) Release(n *Node) {
	assert.Assert(n != nil, "releasing a nil node")
	assert.Assert(!n.enqueued, "node for page %d released while enqueued", n.PageID)

	p.mu.Lock()
	defer p.mu.Unlock()

	assert.Assert(!n.free, "node for page %d released twice", n.PageID)
	n.reset()
	n.free = true
	p.freeNodes = append(p.freeNodes, n)
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeNodes)
}

// HighWaterMark is the number of nodes the pool ever allocated.
func (p *Pool) HighWaterMark() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// EnsureAllReleased reports nodes that were acquired and never released.
func (p *Pool) EnsureAllReleased() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if leaked := p.allocated - len(p.freeNodes); leaked != 0 {
		return fmt.Errorf(
			"not all nodes were released: allocated=%d, free=%d",
			p.allocated,
			len(p.freeNodes),
		)
	}
	return nil
}
