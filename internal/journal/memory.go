package journal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process journal with the same semantics as the Postgres
// one. Used by tests and by simulate runs without a database.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	rows   []Trade
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Interface = (*Memory)(nil)

// Record appends a row and returns its id.
func (m *Memory) Record(_ context.Context, side string, quantity int, price float64, status Status, info map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	var infoCopy map[string]any
	if info != nil {
		infoCopy = make(map[string]any, len(info))
		for k, v := range info {
			infoCopy[k] = v
		}
	}
	m.rows = append(m.rows, Trade{
		ID:       m.nextID,
		TS:       time.Now().UTC(),
		Side:     side,
		Quantity: quantity,
		Price:    price,
		Status:   status,
		Info:     infoCopy,
	})
	return m.nextID, nil
}

// MarkTimedOut updates a single row to timed_out.
func (m *Memory) MarkTimedOut(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].Status = StatusTimedOut
			return nil
		}
	}
	return fmt.Errorf("marking trade %d timed out: no such row", id)
}

// RecentTrades returns up to limit rows, newest first.
func (m *Memory) RecentTrades(_ context.Context, limit int) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]Trade, 0, limit)
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

// All returns every row in insertion order. Tests only.
func (m *Memory) All() []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, len(m.rows))
	copy(out, m.rows)
	return out
}

// CountByStatus returns how many rows carry the given status. Tests only.
func (m *Memory) CountByStatus(status Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Status == status {
			n++
		}
	}
	return n
}
