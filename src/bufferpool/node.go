package bufferpool

import "github.com/Blackdeer1524/hotbackup/src/pkg/common"

// Node is one page-sized slot of the backup buffer pool. At any moment it
// is owned by exactly one party: the pool while free, a reader while it is
// being filled, the writer while it is being drained.
type Node struct {
	PageID common.PageID
	// ReadSize is the number of bytes the last read put into Raw().
	ReadSize int

	raw     []byte
	zip     []byte
	payload []byte

	ready    bool
	enqueued bool
	free     bool
}

func (n *Node) Raw() []byte {
	return n.raw
}

// ZipBuffer is the scratch area for the compressed form. It is nil when
// the pool was built without compression.
func (n *Node) ZipBuffer() []byte {
	return n.zip
}

// SetPayload records the bytes that go on the wire for this node.
func (n *Node) SetPayload(p []byte) {
	n.payload = p
}

// Payload returns the wire bytes of the node, or the raw block if no
// payload was set.
func (n *Node) Payload() []byte {
	if n.payload == nil {
		return n.raw
	}
	return n.payload
}

func (n *Node) MarkReady() {
	n.ready = true
}

func (n *Node) Ready() bool {
	return n.ready
}

func (n *Node) reset() {
	n.PageID = 0
	n.ReadSize = 0
	n.payload = nil
	n.ready = false
}
