// Package pglock provides cross-process mutual exclusion over Postgres
// session-scoped advisory locks. Multiple execution workers sharing one
// database use it to guarantee that only one of them drives a given position.
package pglock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Locker is the advisory-lock contract the execution core consumes.
type Locker interface {
	// TryAcquire attempts a non-blocking lock on key. False means another
	// session holds it.
	TryAcquire(ctx context.Context, key int64) (bool, error)
	// Release unlocks a key previously acquired by this service.
	Release(ctx context.Context, key int64)
}

// KeyForPosition derives a stable 63-bit non-negative lock key from a
// position id.
func KeyForPosition(posID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(posID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// Service implements Locker on a pgx pool. Advisory locks are scoped to the
// database session that took them, so the connection used for TryAcquire is
// pinned until Release runs on the same connection.
type Service struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger

	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

// New returns an advisory lock service on the pool.
func New(pool *pgxpool.Pool, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		pool:   pool,
		logger: logger,
		held:   make(map[int64]*pgxpool.Conn),
	}
}

var _ Locker = (*Service)(nil)

// TryAcquire takes pg_try_advisory_lock(key) on a dedicated connection. The
// connection is held until Release so the session stays alive.
func (s *Service) TryAcquire(ctx context.Context, key int64) (bool, error) {
	s.mu.Lock()
	if _, ok := s.held[key]; ok {
		// This process already holds the key; a second acquire would succeed
		// on a new session only after deadlocking semantics. Report contention.
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock(%d): %w", key, err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}

	s.mu.Lock()
	s.held[key] = conn
	s.mu.Unlock()
	return true, nil
}

// Release unlocks the key on its pinned session and returns the connection to
// the pool. Unknown keys are a no-op.
//
// The unlock runs on its own bounded context: callers release during shutdown
// or from deferred paths whose context is already cancelled, and the unlock
// must still reach the server. If it fails anyway, the connection is closed
// rather than pooled, so the session (and its lock) dies with it.
func (s *Service) Release(_ context.Context, key int64) {
	s.mu.Lock()
	conn, ok := s.held[key]
	delete(s.held, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := conn.QueryRow(unlockCtx, `SELECT pg_advisory_unlock($1)`, key).Scan(&unlocked); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("advisory unlock failed; closing pinned connection")
		_ = conn.Hijack().Close(unlockCtx)
		return
	}
	if !unlocked {
		s.logger.WithField("key", key).Warn("advisory unlock reported no lock held")
	}
	conn.Release()
}
