// Package journal persists every order state transition to the trades table.
// Rows are append-only; the single permitted in-place update is marking a row
// timed_out during pending-order reconciliation.
package journal

import (
	"context"
	"time"
)

// Status is the lifecycle status recorded with each trade row.
type Status string

// Trade statuses, in rough lifecycle order.
const (
	StatusCreated   Status = "created"
	StatusSimulated Status = "simulated"
	StatusSent      Status = "sent"
	StatusFilled    Status = "filled"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusClosed    Status = "closed"
	StatusTimedOut  Status = "timed_out"
)

// Trade is one journal row.
type Trade struct {
	ID       int64          `json:"id"`
	TS       time.Time      `json:"ts"`
	Side     string         `json:"side"`
	Quantity int            `json:"quantity"`
	Price    float64        `json:"price"`
	Status   Status         `json:"status"`
	Info     map[string]any `json:"info,omitempty"`
}

// Interface is the journal contract the execution core consumes.
type Interface interface {
	// Record appends an immutable row and returns its id.
	Record(ctx context.Context, side string, quantity int, price float64, status Status, info map[string]any) (int64, error)
	// MarkTimedOut updates a single row's status to timed_out.
	MarkTimedOut(ctx context.Context, id int64) error
	// RecentTrades returns the newest rows, newest first.
	RecentTrades(ctx context.Context, limit int) ([]Trade, error)
}
