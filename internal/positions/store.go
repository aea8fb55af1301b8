package positions

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is the registry of open positions. All mutating operations hold the
// store mutex; List returns a deep-copy snapshot so consumers can iterate
// without it.
type Store struct {
	mu             sync.Mutex
	positions      map[string]*Position
	singlePosition bool
	logger         *logrus.Logger
	now            func() time.Time
}

// NewStore creates an empty store. With singlePosition set, Open rejects
// whenever any position is already open; symbol uniqueness is enforced either
// way.
func NewStore(singlePosition bool, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		positions:      make(map[string]*Position),
		singlePosition: singlePosition,
		logger:         logger,
		now:            time.Now,
	}
}

// WithNow overrides the time source. Tests only.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Open registers a new OPEN position and returns a copy of it, or nil when
// the invariants reject it: duplicate pos id, single-position mode with any
// position open, duplicate symbol, invalid side, or non-positive quantity.
func (s *Store) Open(posID, symbol string, side Side, qty int, entryPrice float64, securityID string, trailingSL *float64) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !side.Valid() {
		s.logger.WithFields(logrus.Fields{"pos_id": posID, "side": side}).Error("rejecting open: invalid side")
		return nil
	}
	if qty <= 0 {
		s.logger.WithFields(logrus.Fields{"pos_id": posID, "qty": qty}).Error("rejecting open: quantity must be positive")
		return nil
	}
	if _, exists := s.positions[posID]; exists {
		s.logger.WithField("pos_id", posID).Warn("rejecting open: position id already open")
		return nil
	}
	if s.singlePosition && len(s.positions) > 0 {
		s.logger.WithField("pos_id", posID).Error("rejecting open: a position is already open (single-position mode)")
		return nil
	}
	for _, p := range s.positions {
		if p.Symbol == symbol {
			s.logger.WithFields(logrus.Fields{"pos_id": posID, "symbol": symbol}).Warn("rejecting open: symbol already has an open position")
			return nil
		}
	}

	p := &Position{
		ID:         posID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entryPrice,
		SecurityID: securityID,
		OpenTS:     s.now().UTC(),
		TrailingSL: trailingSL,
		Status:     StatusOpen,
		Tags:       make(map[string]string),
	}
	s.positions[posID] = p
	s.logger.WithFields(logrus.Fields{
		"pos_id": posID, "symbol": symbol, "side": side, "qty": qty, "entry": entryPrice,
	}).Info("opened position")
	return p.clone()
}

// Close finalizes the position: sets exit price and close time, computes the
// realized PnL, marks it CLOSED, and removes it from the registry. Returns a
// copy of the closed position, or nil for an unknown id.
func (s *Store) Close(posID string, exitPrice float64) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posID]
	if !ok {
		s.logger.WithField("pos_id", posID).Warn("close requested for unknown position")
		return nil
	}

	p.ExitPrice = exitPrice
	p.ClosedTS = s.now().UTC()
	p.PnL = p.realizedPnL(exitPrice)
	p.Status = StatusClosed
	delete(s.positions, posID)

	s.logger.WithFields(logrus.Fields{"pos_id": posID, "pnl": p.PnL}).Info("closed position")
	return p.clone()
}

// UpdateMarketPrice refreshes the unrealized PnL of an open position.
func (s *Store) UpdateMarketPrice(posID string, price float64) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posID]
	if !ok {
		return nil
	}
	if p.Side == SideBuy {
		p.PnL = (price - p.EntryPrice) * float64(p.Quantity)
	} else {
		p.PnL = (p.EntryPrice - price) * float64(p.Quantity)
	}
	return p.clone()
}

// Get returns a copy of the position, or nil.
func (s *Store) Get(posID string) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posID]
	if !ok {
		return nil
	}
	return p.clone()
}

// List returns a deep-copy snapshot of all open positions.
func (s *Store) List() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.clone())
	}
	return out
}

// HasOpen reports whether any position is open.
func (s *Store) HasOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions) > 0
}

// NetQuantity returns the signed sum of open quantities (SELL negated).
// Positions with an unrecognized side contribute zero.
func (s *Store) NetQuantity() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	net := 0
	for _, p := range s.positions {
		switch p.Side {
		case SideBuy:
			net += p.Quantity
		case SideSell:
			net -= p.Quantity
		}
	}
	return net
}

// CheckTrailingStop reports whether price has crossed the position's trailing
// stop unfavorably. Positions without a trailing stop never trigger.
func (s *Store) CheckTrailingStop(posID string, price float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posID]
	if !ok || p.TrailingSL == nil {
		return false
	}
	if p.Side == SideBuy && price <= *p.TrailingSL {
		return true
	}
	if p.Side == SideSell && price >= *p.TrailingSL {
		return true
	}
	return false
}

// DetectBrokerMismatch reports whether the broker's security id for the
// position disagrees with the stored one. Empty ids on either end never count
// as a mismatch.
func (s *Store) DetectBrokerMismatch(posID, brokerSecurityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posID]
	if !ok {
		return false
	}
	if p.SecurityID != "" && brokerSecurityID != "" && p.SecurityID != brokerSecurityID {
		s.logger.WithFields(logrus.Fields{
			"pos_id": posID, "expected": p.SecurityID, "got": brokerSecurityID,
		}).Warn("broker security id mismatch")
		return true
	}
	return false
}

// SetTag attaches an opaque tag to an open position.
func (s *Store) SetTag(posID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posID]
	if !ok {
		return
	}
	if p.Tags == nil {
		p.Tags = make(map[string]string)
	}
	p.Tags[key] = value
}
