// Package positions holds the in-memory registry of open positions and the
// invariants around opening and closing them.
package positions

import "time"

// Side is the direction of a position.
type Side string

// Position sides.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status is the lifecycle state of a position. Closed positions are removed
// from the store, so CLOSED only appears on copies returned by Close.
type Status string

// Position statuses.
const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position is a single logical intraday position. Instances handed out by
// the store are copies; mutate through store methods only.
type Position struct {
	ID         string            `json:"id"`
	Symbol     string            `json:"symbol"`
	Side       Side              `json:"side"`
	Quantity   int               `json:"quantity"`
	EntryPrice float64           `json:"entry_price"`
	SecurityID string            `json:"security_id,omitempty"`
	OpenTS     time.Time         `json:"open_ts"`
	ClosedTS   time.Time         `json:"closed_ts,omitempty"`
	ExitPrice  float64           `json:"exit_price,omitempty"`
	PnL        float64           `json:"pnl"`
	TrailingSL *float64          `json:"trailing_sl,omitempty"`
	Status     Status            `json:"status"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// clone returns a deep copy safe to hand outside the store lock.
func (p *Position) clone() *Position {
	cp := *p
	if p.TrailingSL != nil {
		sl := *p.TrailingSL
		cp.TrailingSL = &sl
	}
	if p.Tags != nil {
		cp.Tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			cp.Tags[k] = v
		}
	}
	return &cp
}

// realizedPnL computes the exit PnL for the position's side.
func (p *Position) realizedPnL(exitPrice float64) float64 {
	if p.Side == SideBuy {
		return (exitPrice - p.EntryPrice) * float64(p.Quantity)
	}
	return (p.EntryPrice - exitPrice) * float64(p.Quantity)
}
