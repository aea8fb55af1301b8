// Package candles builds per-minute OHLC candles from the tick stream and
// persists them for the market-data API.
package candles

import (
	"context"
	"time"
)

// Candle is one OHLC bar. TS is the bar's start, truncated to its timeframe.
type Candle struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
}

// Store persists 1-minute candles and serves timeframe-aggregated reads.
type Store interface {
	// Upsert writes a 1m candle, replacing any existing (symbol, ts) row.
	Upsert(ctx context.Context, c Candle) error
	// Last returns up to limit candles for the symbol aggregated to the
	// given timeframe (a multiple of 60 seconds), oldest first.
	Last(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]Candle, error)
}

// AggregateMinutes rolls 1m candles (oldest first) into bars of n minutes
// aligned to the epoch. Partial trailing bars are included; gaps simply start
// a new bar.
func AggregateMinutes(minutes []Candle, n int) []Candle {
	if n <= 1 {
		return minutes
	}
	span := time.Duration(n) * time.Minute

	var out []Candle
	for _, m := range minutes {
		start := m.TS.Truncate(span)
		if len(out) > 0 && out[len(out)-1].TS.Equal(start) {
			last := &out[len(out)-1]
			if m.High > last.High {
				last.High = m.High
			}
			if m.Low < last.Low {
				last.Low = m.Low
			}
			last.Close = m.Close
			continue
		}
		c := m
		c.TS = start
		out = append(out, c)
	}
	return out
}
