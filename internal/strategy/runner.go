package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/bus"
	"niftybot/internal/candles"
	"niftybot/internal/positions"
)

// Params configures the runner for one traded instrument.
type Params struct {
	Symbol           string
	SecurityID       string
	LotSize          int
	ATRPeriod        int
	ATRMultiplier    float64
	TimeframeMinutes int
	MinTradeGap      time.Duration
}

// Runner consumes CANDLE_CLOSED events, rolls 1m candles into trading bars,
// and emits ENTRY_SIGNAL / EXIT_SIGNAL when the breakout detector fires. A
// long breakout against an open short (and vice versa) exits first; entries
// honor the trade-gap cooldown.
type Runner struct {
	params   Params
	detector *Breakout
	bus      *bus.Bus
	store    *positions.Store
	logger   *logrus.Logger

	mu          sync.Mutex
	minutes     []candles.Candle
	lastBar     time.Time
	lastEntryAt time.Time
	token       int
	now         func() time.Time
}

// NewRunner wires the runner. The store is consulted for open-position exits.
func NewRunner(params Params, b *bus.Bus, store *positions.Store, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	if params.TimeframeMinutes <= 0 {
		params.TimeframeMinutes = 15
	}
	if params.LotSize <= 0 {
		params.LotSize = 75
	}
	return &Runner{
		params:   params,
		detector: NewBreakout(params.ATRPeriod, params.ATRMultiplier),
		bus:      b,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the time source. Tests only.
func (r *Runner) WithNow(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Start subscribes to CANDLE_CLOSED.
func (r *Runner) Start() {
	r.token = r.bus.Subscribe(bus.TopicCandleClosed, r.handleCandle)
	r.logger.WithFields(logrus.Fields{
		"symbol": r.params.Symbol, "timeframe_m": r.params.TimeframeMinutes,
	}).Info("strategy runner subscribed")
}

// Stop removes the subscription.
func (r *Runner) Stop() {
	r.bus.Unsubscribe(bus.TopicCandleClosed, r.token)
}

// Seed preloads historical 1m candles (oldest first) so the detector has
// bars at startup instead of warming up for hours.
func (r *Runner) Seed(minutes []candles.Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minutes = append(r.minutes, minutes...)
	r.trimLocked()
}

func (r *Runner) handleCandle(payload any) {
	ev, ok := payload.(bus.CandleClosed)
	if !ok || ev.Symbol != r.params.Symbol {
		return
	}

	span := time.Duration(r.params.TimeframeMinutes) * time.Minute

	r.mu.Lock()
	r.minutes = append(r.minutes, candles.Candle{
		Symbol: ev.Symbol, TS: ev.Start,
		Open: ev.Open, High: ev.High, Low: ev.Low, Close: ev.Close,
	})
	r.trimLocked()

	// The trading bar completes when this minute is its last.
	if !ev.Start.Add(time.Minute).Truncate(span).After(ev.Start.Truncate(span)) {
		r.mu.Unlock()
		return
	}
	barStart := ev.Start.Truncate(span)
	if barStart.Equal(r.lastBar) {
		r.mu.Unlock()
		return
	}
	r.lastBar = barStart

	bars := candles.AggregateMinutes(r.minutes, r.params.TimeframeMinutes)
	r.mu.Unlock()

	r.evaluate(bars)
}

func (r *Runner) evaluate(bars []candles.Candle) {
	sig := r.detector.Evaluate(bars)
	if sig.Direction == None {
		return
	}

	side := positions.SideBuy
	if sig.Direction == Short {
		side = positions.SideSell
	}
	log := r.logger.WithFields(logrus.Fields{
		"symbol": r.params.Symbol, "side": side, "price": sig.Price, "stop": sig.StopLoss,
	})

	// An opposite breakout against an open position is an exit.
	for _, p := range r.store.List() {
		if p.Symbol != r.params.Symbol {
			continue
		}
		if p.Side != side {
			log.WithField("pos_id", p.ID).Info("opposite breakout; exiting open position")
			r.bus.Publish(bus.TopicExitSignal, bus.ExitSignal{PosID: p.ID, Price: sig.Price})
		}
		// Same-direction breakout with a position open adds nothing.
		return
	}

	r.mu.Lock()
	if !r.lastEntryAt.IsZero() && r.now().Sub(r.lastEntryAt) < r.params.MinTradeGap {
		r.mu.Unlock()
		log.Debug("breakout inside trade-gap cooldown; skipping entry")
		return
	}
	r.lastEntryAt = r.now()
	r.mu.Unlock()

	stop := sig.StopLoss
	r.bus.Publish(bus.TopicEntrySignal, bus.EntrySignal{
		PosID:      fmt.Sprintf("pos_%d", r.now().Unix()),
		Symbol:     r.params.Symbol,
		Side:       string(side),
		Quantity:   r.params.LotSize,
		Price:      sig.Price,
		SecurityID: r.params.SecurityID,
		StopLoss:   &stop,
	})
	log.Info("breakout entry signal published")
}

// trimLocked bounds the minute buffer to what the detector can ever use.
func (r *Runner) trimLocked() {
	max := (r.detector.MinBars() + 2) * r.params.TimeframeMinutes
	if len(r.minutes) > max {
		r.minutes = r.minutes[len(r.minutes)-max:]
	}
}
