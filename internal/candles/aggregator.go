package candles

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/bus"
)

// Aggregator folds TICK events into per-symbol 1-minute candles. A candle
// closes when a tick lands in a later minute; the closed candle is persisted
// and announced as CANDLE_CLOSED. Flush closes out whatever is open, so a
// shutdown does not drop the last bar.
type Aggregator struct {
	mu      sync.Mutex
	open    map[string]*Candle
	store   Store
	bus     *bus.Bus
	logger  *logrus.Logger
	token   int
	started bool
}

// NewAggregator wires the aggregator to the bus and the candle store. The
// store may be nil (candles are then announce-only).
func NewAggregator(b *bus.Bus, store Store, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Aggregator{
		open:   make(map[string]*Candle),
		store:  store,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to TICK. ctx bounds store writes from the handler.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.token = a.bus.Subscribe(bus.TopicTick, func(payload any) {
		if tick, ok := payload.(bus.Tick); ok {
			a.Ingest(ctx, tick)
		}
	})
	a.started = true
}

// Stop unsubscribes and flushes open candles.
func (a *Aggregator) Stop(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.bus.Unsubscribe(bus.TopicTick, a.token)
		a.started = false
	}
	a.mu.Unlock()
	a.Flush(ctx)
}

// Ingest applies one tick. Ticks older than the open candle's minute are
// dropped; equal-minute ticks update it; later ticks close it and open a new
// one.
func (a *Aggregator) Ingest(ctx context.Context, tick bus.Tick) {
	ts := tick.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	minute := ts.UTC().Truncate(time.Minute)

	a.mu.Lock()
	cur, ok := a.open[tick.Symbol]
	if !ok {
		a.open[tick.Symbol] = &Candle{
			Symbol: tick.Symbol, TS: minute,
			Open: tick.LTP, High: tick.LTP, Low: tick.LTP, Close: tick.LTP,
		}
		a.mu.Unlock()
		return
	}

	if minute.Before(cur.TS) {
		a.mu.Unlock()
		a.logger.WithFields(logrus.Fields{
			"symbol": tick.Symbol, "tick_ts": minute, "open_ts": cur.TS,
		}).Debug("dropping out-of-order tick")
		return
	}

	if minute.Equal(cur.TS) {
		if tick.LTP > cur.High {
			cur.High = tick.LTP
		}
		if tick.LTP < cur.Low {
			cur.Low = tick.LTP
		}
		cur.Close = tick.LTP
		a.mu.Unlock()
		return
	}

	closed := *cur
	a.open[tick.Symbol] = &Candle{
		Symbol: tick.Symbol, TS: minute,
		Open: tick.LTP, High: tick.LTP, Low: tick.LTP, Close: tick.LTP,
	}
	a.mu.Unlock()

	a.finalize(ctx, closed)
}

// Flush closes and persists every open candle. Used at shutdown and at
// session close.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	var toClose []Candle
	for sym, c := range a.open {
		toClose = append(toClose, *c)
		delete(a.open, sym)
	}
	a.mu.Unlock()

	for _, c := range toClose {
		a.finalize(ctx, c)
	}
}

func (a *Aggregator) finalize(ctx context.Context, c Candle) {
	if a.store != nil {
		if err := a.store.Upsert(ctx, c); err != nil {
			a.logger.WithError(err).WithField("symbol", c.Symbol).Error("persisting candle failed")
		}
	}
	a.bus.Publish(bus.TopicCandleClosed, bus.CandleClosed{
		Symbol: c.Symbol, Start: c.TS,
		Open: c.Open, High: c.High, Low: c.Low, Close: c.Close,
	})
}
