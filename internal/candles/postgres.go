package candles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const candlesSchema = `
CREATE TABLE IF NOT EXISTS candles (
    symbol TEXT NOT NULL,
    ts TIMESTAMP NOT NULL,
    open DOUBLE PRECISION,
    high DOUBLE PRECISION,
    low DOUBLE PRECISION,
    close DOUBLE PRECISION,
    PRIMARY KEY (symbol, ts)
)`

// PGStore is the Postgres-backed candle store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPG ensures the candles table exists and returns the store.
func NewPG(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	if _, err := pool.Exec(ctx, candlesSchema); err != nil {
		return nil, fmt.Errorf("ensuring candles table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

var _ Store = (*PGStore)(nil)

// Upsert writes a 1m candle, replacing an existing (symbol, ts) row.
func (s *PGStore) Upsert(ctx context.Context, c Candle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candles (symbol, ts, open, high, low, close)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (symbol, ts) DO UPDATE
		 SET open = EXCLUDED.open, high = EXCLUDED.high,
		     low = EXCLUDED.low, close = EXCLUDED.close`,
		c.Symbol, c.TS.UTC(), c.Open, c.High, c.Low, c.Close)
	if err != nil {
		return fmt.Errorf("upserting candle %s@%s: %w", c.Symbol, c.TS, err)
	}
	return nil
}

// Last returns the newest candles aggregated to timeframeSeconds, oldest
// first. timeframeSeconds must be a positive multiple of 60.
func (s *PGStore) Last(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]Candle, error) {
	if timeframeSeconds <= 0 || timeframeSeconds%60 != 0 {
		return nil, fmt.Errorf("timeframe %ds is not a multiple of 60", timeframeSeconds)
	}
	if limit <= 0 {
		limit = 100
	}
	minutes := timeframeSeconds / 60

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, ts, open, high, low, close
		 FROM candles WHERE symbol = $1
		 ORDER BY ts DESC LIMIT $2`, symbol, limit*minutes)
	if err != nil {
		return nil, fmt.Errorf("querying candles: %w", err)
	}
	defer rows.Close()

	var desc []Candle
	for rows.Next() {
		var c Candle
		if err := rows.Scan(&c.Symbol, &c.TS, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("scanning candle row: %w", err)
		}
		desc = append(desc, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order before aggregating.
	asc := make([]Candle, len(desc))
	for i, c := range desc {
		asc[len(desc)-1-i] = c
	}

	out := AggregateMinutes(asc, minutes)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
