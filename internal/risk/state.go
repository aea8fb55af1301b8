// Package risk contains the order admission gate and the daily trading
// counters it consults.
package risk

import "sync"

// BotState tracks the per-day counters the gate enforces limits against.
// The engine updates it on entries and closes; a scheduler resets it at the
// start of each session.
type BotState struct {
	mu              sync.Mutex
	dailyPnL        float64
	dailyTradeCount int
}

// NewBotState returns zeroed counters.
func NewBotState() *BotState {
	return &BotState{}
}

// AddPnL accumulates realized PnL for the day.
func (s *BotState) AddPnL(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyPnL += pnl
}

// RecordTrade increments the day's trade count.
func (s *BotState) RecordTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyTradeCount++
}

// Snapshot returns the current counters.
func (s *BotState) Snapshot() (dailyPnL float64, dailyTradeCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyPnL, s.dailyTradeCount
}

// ResetDaily zeroes the counters for a new session.
func (s *BotState) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyPnL = 0
	s.dailyTradeCount = 0
}
