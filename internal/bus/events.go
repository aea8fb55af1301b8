package bus

import "time"

// Topic names are part of the wire contract between components; the strategy,
// engine, and monitor all address each other through these.
const (
	TopicEntrySignal  = "ENTRY_SIGNAL"
	TopicExitSignal   = "EXIT_SIGNAL"
	TopicOrderPlaced  = "ORDER_PLACED"
	TopicOrderFilled  = "ORDER_FILLED"
	TopicOrderTimeout = "ORDER_TIMEOUT"
	TopicTick         = "TICK"
	TopicCandleClosed = "CANDLE_CLOSED"
)

// EntrySignal asks the execution engine to open a position. PosID is the
// idempotency key; when empty the engine synthesizes one. ConfidenceScore and
// StopLoss are optional.
type EntrySignal struct {
	PosID           string
	Symbol          string
	Side            string
	Quantity        int
	Price           float64
	SecurityID      string
	ConfidenceScore *float64
	StopLoss        *float64
}

// ExitSignal asks the engine to close a position, addressed either by PosID
// or by SecurityID (first matching open position wins).
type ExitSignal struct {
	PosID      string
	SecurityID string
	Price      float64
}

// OrderUpdate is the payload for ORDER_PLACED, ORDER_FILLED, and
// ORDER_TIMEOUT. DBID is the trade journal row for the order attempt.
type OrderUpdate struct {
	PosID      string
	DBID       int64
	Timestamp  time.Time
	Simulated  bool
	AgeSeconds float64
	Info       map[string]any
}

// Tick is a last-traded-price update for a symbol.
type Tick struct {
	Symbol string
	LTP    float64
	TS     time.Time
}

// CandleClosed announces a finalized per-minute OHLC candle.
type CandleClosed struct {
	Symbol string
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
}
