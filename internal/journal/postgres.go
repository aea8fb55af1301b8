package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const tradesSchema = `
CREATE TABLE IF NOT EXISTS trades (
    id SERIAL PRIMARY KEY,
    ts TIMESTAMP,
    side TEXT,
    quantity INTEGER,
    price DOUBLE PRECISION,
    status TEXT,
    info JSONB
)`

// PGJournal is the Postgres-backed journal.
type PGJournal struct {
	pool *pgxpool.Pool
}

// NewPG ensures the trades table exists and returns the journal.
func NewPG(ctx context.Context, pool *pgxpool.Pool) (*PGJournal, error) {
	if _, err := pool.Exec(ctx, tradesSchema); err != nil {
		return nil, fmt.Errorf("ensuring trades table: %w", err)
	}
	return &PGJournal{pool: pool}, nil
}

var _ Interface = (*PGJournal)(nil)

// Record appends a trade row and returns the generated id.
func (j *PGJournal) Record(ctx context.Context, side string, quantity int, price float64, status Status, info map[string]any) (int64, error) {
	var infoJSON []byte
	if info != nil {
		b, err := json.Marshal(info)
		if err != nil {
			return 0, fmt.Errorf("marshaling trade info: %w", err)
		}
		infoJSON = b
	}

	var id int64
	err := j.pool.QueryRow(ctx,
		`INSERT INTO trades (ts, side, quantity, price, status, info)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		time.Now().UTC(), side, quantity, price, string(status), infoJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting trade row: %w", err)
	}
	return id, nil
}

// MarkTimedOut flips a single row to timed_out.
func (j *PGJournal) MarkTimedOut(ctx context.Context, id int64) error {
	tag, err := j.pool.Exec(ctx,
		`UPDATE trades SET status = $1 WHERE id = $2`, string(StatusTimedOut), id)
	if err != nil {
		return fmt.Errorf("marking trade %d timed out: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("marking trade %d timed out: no such row", id)
	}
	return nil
}

// RecentTrades returns up to limit rows, newest first.
func (j *PGJournal) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.pool.Query(ctx,
		`SELECT id, ts, side, quantity, price, status, info
		 FROM trades ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var tr Trade
		var status string
		var infoJSON []byte
		if err := rows.Scan(&tr.ID, &tr.TS, &tr.Side, &tr.Quantity, &tr.Price, &status, &infoJSON); err != nil {
			return nil, fmt.Errorf("scanning trade row: %w", err)
		}
		tr.Status = Status(status)
		if len(infoJSON) > 0 {
			if err := json.Unmarshal(infoJSON, &tr.Info); err != nil {
				// A malformed info blob should not hide the row.
				tr.Info = map[string]any{"raw": string(infoJSON)}
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
