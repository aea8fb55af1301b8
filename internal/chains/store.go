// Package chains persists option-chain snapshots fetched by the feed daemon
// and serves the latest snapshot to the market-data API.
package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Snapshot is one stored option chain: the raw strike map as the broker
// returned it, keyed by underlying index and expiry.
type Snapshot struct {
	Underlying string         `json:"underlying"`
	Expiry     string         `json:"expiry"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Chain      map[string]any `json:"chain"`
}

// Store persists chain snapshots, one row per (underlying, expiry), and
// serves the latest. An empty expiry on Latest means "any expiry, newest
// first".
type Store interface {
	Save(ctx context.Context, underlying, expiry string, chain map[string]any) error
	Latest(ctx context.Context, underlying, expiry string) (*Snapshot, error)
}

// One row per (idx, expiry); the poller overwrites it every interval.
const chainsSchema = `
CREATE TABLE IF NOT EXISTS option_chains (
    idx TEXT NOT NULL,
    expiry TEXT NOT NULL DEFAULT '',
    payload JSONB,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (idx, expiry)
)`

// PGStore is the Postgres-backed chain store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPG ensures the option_chains table exists and returns the store.
func NewPG(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	if _, err := pool.Exec(ctx, chainsSchema); err != nil {
		return nil, fmt.Errorf("ensuring option_chains table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

var _ Store = (*PGStore)(nil)

// Save upserts the snapshot for (underlying, expiry).
func (s *PGStore) Save(ctx context.Context, underlying, expiry string, chain map[string]any) error {
	blob, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshaling chain for %s: %w", underlying, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO option_chains (idx, expiry, payload, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (idx, expiry) DO UPDATE
		 SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		underlying, expiry, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting chain snapshot for %s: %w", underlying, err)
	}
	return nil
}

// Latest returns the snapshot for (underlying, expiry), or the most recently
// updated one across expiries when expiry is empty. Nil when none exists.
func (s *PGStore) Latest(ctx context.Context, underlying, expiry string) (*Snapshot, error) {
	query := `SELECT idx, expiry, updated_at, payload
	          FROM option_chains WHERE idx = $1
	          ORDER BY updated_at DESC LIMIT 1`
	args := []any{underlying}
	if expiry != "" {
		query = `SELECT idx, expiry, updated_at, payload
		         FROM option_chains WHERE idx = $1 AND expiry = $2`
		args = append(args, expiry)
	}

	var snap Snapshot
	var blob []byte
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&snap.Underlying, &snap.Expiry, &snap.UpdatedAt, &blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying chain for %s: %w", underlying, err)
	}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &snap.Chain); err != nil {
			return nil, fmt.Errorf("decoding chain for %s: %w", underlying, err)
		}
	}
	return &snap, nil
}

// MemoryStore keeps snapshots in memory for simulate runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]map[string]Snapshot
	now  func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]Snapshot), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

// Save upserts the snapshot for (underlying, expiry).
func (s *MemoryStore) Save(_ context.Context, underlying, expiry string, chain map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byExpiry := s.rows[underlying]
	if byExpiry == nil {
		byExpiry = make(map[string]Snapshot)
		s.rows[underlying] = byExpiry
	}
	byExpiry[expiry] = Snapshot{
		Underlying: underlying, Expiry: expiry,
		UpdatedAt: s.now().UTC(), Chain: chain,
	}
	return nil
}

// Latest returns the snapshot for (underlying, expiry), or the most recently
// updated one when expiry is empty. Nil when none exists.
func (s *MemoryStore) Latest(_ context.Context, underlying, expiry string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byExpiry := s.rows[underlying]
	if len(byExpiry) == 0 {
		return nil, nil
	}
	if expiry != "" {
		snap, ok := byExpiry[expiry]
		if !ok {
			return nil, nil
		}
		return &snap, nil
	}
	var newest *Snapshot
	for exp := range byExpiry {
		snap := byExpiry[exp]
		if newest == nil || snap.UpdatedAt.After(newest.UpdatedAt) {
			newest = &snap
		}
	}
	out := *newest
	return &out, nil
}
