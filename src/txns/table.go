package txns

import (
	"slices"
	"sync"

	"github.com/Blackdeer1524/hotbackup/src/pkg/assert"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

// Table tracks running transactions. Holding its lock keeps new
// transactions from starting or ending.
type Table struct {
	mu     sync.Mutex
	nextID common.TxnID
	active map[common.TxnID]struct{}
}

var _ common.TxnTable = &Table{}

func NewTable() *Table {
	return &Table{
		nextID: common.NilTxnID + 1,
		active: map[common.TxnID]struct{}{},
	}
}

func (t *Table) Lock() {
	t.mu.Lock()
}

func (t *Table) Unlock() {
	t.mu.Unlock()
}

func (t *Table) Begin() common.TxnID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.active[id] = struct{}{}
	return id
}

func (t *Table) End(id common.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.active[id]
	assert.Assert(ok, "transaction %d is not active", id)
	delete(t.active, id)
}

func (t *Table) AnyActiveAssumeLocked() bool {
	return len(t.active) > 0
}

func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// ActiveTransactions returns the ids of running transactions in start
// order.
func (t *Table) ActiveTransactions() []common.TxnID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]common.TxnID, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
