package bufferpool

import "github.com/Blackdeer1524/hotbackup/src/pkg/assert"

// Queue keeps filled nodes in the order their page ids were assigned.
// It has no lock of its own: callers synchronize on the coordinator mutex.
type Queue struct {
	nodes    []*Node
	enqueued int
}

func NewQueue() *Queue {
	return &Queue{nodes: []*Node{}}
}

func (q *Queue) Enqueue(n *Node) {
	assert.Assert(!n.enqueued, "node for page %d enqueued twice", n.PageID)
	assert.Assert(!n.free, "free node enqueued")

	n.enqueued = true
	q.nodes = append(q.nodes, n)
	q.enqueued++
}

// Head returns the oldest node without removing it, or nil.
func (q *Queue) Head() *Node {
	if len(q.nodes) == 0 {
		return nil
	}
	return q.nodes[0]
}

func (q *Queue) Dequeue() *Node {
	if len(q.nodes) == 0 {
		return nil
	}

	n := q.nodes[0]
	q.nodes[0] = nil
	q.nodes = q.nodes[1:]
	n.enqueued = false
	return n
}

func (q *Queue) Len() int {
	return len(q.nodes)
}

// Drain removes every node, ready or not, in queue order.
func (q *Queue) Drain() []*Node {
	out := make([]*Node, 0, len(q.nodes))
	for n := q.Dequeue(); n != nil; n = q.Dequeue() {
		out = append(out, n)
	}
	return out
}

// Enqueued is the number of nodes ever appended to the queue.
func (q *Queue) Enqueued() int {
	return q.enqueued
}
