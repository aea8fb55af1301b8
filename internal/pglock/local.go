package pglock

import (
	"context"
	"sync"
)

// Local is a process-local Locker with try-lock semantics. It backs simulate
// runs without a database and the engine's tests. It provides no cross-process
// exclusion.
type Local struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewLocal returns an empty local locker.
func NewLocal() *Local {
	return &Local{held: make(map[int64]bool)}
}

var _ Locker = (*Local)(nil)

// TryAcquire takes the key if free.
func (l *Local) TryAcquire(_ context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

// Release frees the key.
func (l *Local) Release(_ context.Context, key int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
