// Package strategy implements the ATR breakout strategy over aggregated
// intraday candles and the runner that feeds it from the event bus.
package strategy

import (
	"math"

	"niftybot/internal/candles"
)

// Direction of a breakout signal.
type Direction int

// Signal directions.
const (
	None Direction = iota
	Long
	Short
)

// Signal is one strategy decision for a completed bar.
type Signal struct {
	Direction Direction
	// Price is the close of the bar that triggered the signal.
	Price float64
	// StopLoss is the protective level: the previous bar's low for longs,
	// its high for shorts.
	StopLoss float64
}

// Breakout detects range breakouts confirmed by an ATR buffer: long when a
// bar closes above the previous bar's high plus mult*ATR, short when it
// closes below the previous low minus the same buffer.
type Breakout struct {
	period int
	mult   float64
}

// NewBreakout builds the detector. period is the ATR lookback in bars.
func NewBreakout(period int, mult float64) *Breakout {
	if period <= 0 {
		period = 14
	}
	if mult <= 0 {
		mult = 0.5
	}
	return &Breakout{period: period, mult: mult}
}

// MinBars is how many completed bars Evaluate needs before it can signal.
func (b *Breakout) MinBars() int { return b.period + 2 }

// Evaluate inspects the newest bar against the one before it. bars must be
// chronological completed bars; fewer than MinBars yields no signal.
func (b *Breakout) Evaluate(bars []candles.Candle) Signal {
	if len(bars) < b.MinBars() {
		return Signal{}
	}
	cur := bars[len(bars)-1]
	prev := bars[len(bars)-2]

	atr := ATR(bars[:len(bars)-1], b.period)
	if atr <= 0 {
		return Signal{}
	}
	buffer := b.mult * atr

	if cur.Close > prev.High+buffer {
		return Signal{Direction: Long, Price: cur.Close, StopLoss: prev.Low}
	}
	if cur.Close < prev.Low-buffer {
		return Signal{Direction: Short, Price: cur.Close, StopLoss: prev.High}
	}
	return Signal{}
}

// ATR is the rolling mean true range over the last period bars. Needs
// period+1 bars for the previous-close term; returns 0 otherwise.
func ATR(bars []candles.Candle, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += trueRange(bars[i], bars[i-1].Close)
	}
	return sum / float64(period)
}

func trueRange(c candles.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if hc := math.Abs(c.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := math.Abs(c.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}
