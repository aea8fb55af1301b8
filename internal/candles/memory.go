package candles

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps 1m candles in memory. Backs simulate runs without a
// database and the package tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string][]Candle // per symbol, chronological
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Candle)}
}

var _ Store = (*MemoryStore)(nil)

// Upsert writes a 1m candle, replacing an existing (symbol, ts) row.
func (s *MemoryStore) Upsert(_ context.Context, c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.rows[c.Symbol]
	for i := range list {
		if list[i].TS.Equal(c.TS) {
			list[i] = c
			return nil
		}
	}
	list = append(list, c)
	sort.Slice(list, func(i, j int) bool { return list[i].TS.Before(list[j].TS) })
	s.rows[c.Symbol] = list
	return nil
}

// Last returns the newest candles aggregated to timeframeSeconds, oldest
// first.
func (s *MemoryStore) Last(_ context.Context, symbol string, timeframeSeconds, limit int) ([]Candle, error) {
	if timeframeSeconds <= 0 || timeframeSeconds%60 != 0 {
		return nil, fmt.Errorf("timeframe %ds is not a multiple of 60", timeframeSeconds)
	}
	if limit <= 0 {
		limit = 100
	}
	minutes := timeframeSeconds / 60

	s.mu.Lock()
	list := s.rows[symbol]
	take := limit * minutes
	if take > len(list) {
		take = len(list)
	}
	asc := make([]Candle, take)
	copy(asc, list[len(list)-take:])
	s.mu.Unlock()

	out := AggregateMinutes(asc, minutes)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
