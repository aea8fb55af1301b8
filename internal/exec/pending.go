// Package exec contains the order-execution core: the pending-order table,
// the execution engine driving the order lifecycle, and the background
// monitor that reconciles pending orders on timeout.
package exec

import (
	"sync"
	"time"

	"niftybot/internal/positions"
)

// PendingOrder is a placed-but-unfilled order, keyed by position id. Every
// pending order has a journal row (DBID) with status sent or simulated.
type PendingOrder struct {
	PosID      string
	DBID       int64
	PlacedTS   time.Time
	Qty        int
	Side       positions.Side
	Price      float64
	BrokerInfo map[string]any
	Simulated  bool
	Exit       bool
}

// PendingTable is a thread-safe registry of pending orders.
type PendingTable struct {
	mu     sync.Mutex
	orders map[string]PendingOrder
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{orders: make(map[string]PendingOrder)}
}

// Put inserts or replaces the pending order for its position id.
func (t *PendingTable) Put(po PendingOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[po.PosID] = po
}

// Get looks up the pending order for a position id.
func (t *PendingTable) Get(posID string) (PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po, ok := t.orders[posID]
	return po, ok
}

// Delete removes the entry and reports whether it was present.
func (t *PendingTable) Delete(posID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.orders[posID]
	delete(t.orders, posID)
	return ok
}

// Snapshot returns a copy of all pending orders.
func (t *PendingTable) Snapshot() []PendingOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingOrder, 0, len(t.orders))
	for _, po := range t.orders {
		out = append(out, po)
	}
	return out
}

// Len returns the number of pending orders.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}
