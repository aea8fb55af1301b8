package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/broker"
	"niftybot/internal/bus"
	"niftybot/internal/journal"
	"niftybot/internal/market"
	"niftybot/internal/pglock"
	"niftybot/internal/positions"
	"niftybot/internal/risk"
)

// Config holds the engine's operating mode and order parameters.
type Config struct {
	// Simulate disables all broker calls. Simulated fills are gated by
	// market hours: outside the session an entry fills immediately, during
	// the session it stays pending so live-hour state is never synthesized.
	Simulate bool
	// InitialStopLoss, in absolute points, places a broker-side SL-M at
	// entry±SL after a live fill. Zero disables it.
	InitialStopLoss float64
	// ExchangeSegment for orders, NSE_FNO by default.
	ExchangeSegment string
}

// credentialed is implemented by broker clients that can report whether live
// credentials are configured.
type credentialed interface {
	HasCredentials() bool
}

// Engine consumes ENTRY_SIGNAL and EXIT_SIGNAL and drives the order
// lifecycle: risk admission, advisory locking, order placement, journaling,
// position registration, and pending-order bookkeeping.
//
// Two locks serialize work on a position: the process-wide execMu for threads
// inside this process, and the advisory lock for workers in other processes.
// The advisory lock is always taken first (wider scope to narrower) so two
// workers cannot thrash inside their local critical sections.
type Engine struct {
	cfg     Config
	bus     *bus.Bus
	store   *positions.Store
	pending *PendingTable
	gate    *risk.Gate
	locks   pglock.Locker
	journal journal.Interface
	adapter broker.Adapter
	clock   market.Clock
	state   *risk.BotState
	logger  *logrus.Logger

	execMu sync.Mutex
	now    func() time.Time

	ctx    context.Context
	tokens []subscription
}

type subscription struct {
	topic string
	token int
}

// New wires the engine. The adapter may be nil in simulate mode.
func New(
	cfg Config,
	b *bus.Bus,
	store *positions.Store,
	pending *PendingTable,
	gate *risk.Gate,
	locks pglock.Locker,
	jrnl journal.Interface,
	adapter broker.Adapter,
	clock market.Clock,
	state *risk.BotState,
	logger *logrus.Logger,
) *Engine {
	if cfg.ExchangeSegment == "" {
		cfg.ExchangeSegment = broker.SegmentNSEFNO
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:     cfg,
		bus:     b,
		store:   store,
		pending: pending,
		gate:    gate,
		locks:   locks,
		journal: jrnl,
		adapter: adapter,
		clock:   clock,
		state:   state,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNow overrides the time source. Tests only.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start subscribes the engine's handlers on the bus. ctx bounds database and
// broker calls made from handlers.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.tokens = []subscription{
		{bus.TopicEntrySignal, e.bus.Subscribe(bus.TopicEntrySignal, e.handleEntrySignal)},
		{bus.TopicExitSignal, e.bus.Subscribe(bus.TopicExitSignal, e.handleExitSignal)},
		{bus.TopicOrderFilled, e.bus.Subscribe(bus.TopicOrderFilled, e.handleOrderFilled)},
	}
	e.logger.Info("execution engine subscribed")
}

// Stop removes the engine's bus subscriptions. In-flight handlers finish.
func (e *Engine) Stop() {
	for _, s := range e.tokens {
		e.bus.Unsubscribe(s.topic, s.token)
	}
	e.tokens = nil
}

// ---- ENTRY ----

func (e *Engine) handleEntrySignal(payload any) {
	sig, ok := payload.(bus.EntrySignal)
	if !ok {
		e.logger.WithField("payload", fmt.Sprintf("%T", payload)).Warn("entry signal with unexpected payload type")
		return
	}

	posID := sig.PosID
	if posID == "" {
		posID = fmt.Sprintf("pos_%d", e.now().Unix())
	}

	log := e.logger.WithFields(logrus.Fields{"pos_id": posID, "side": sig.Side, "symbol": sig.Symbol})

	// Advisory lock first: another worker holding the pos id owns it.
	key := pglock.KeyForPosition(posID)
	acquired, err := e.locks.TryAcquire(e.ctx, key)
	if err != nil {
		log.WithError(err).Error("advisory lock failed; dropping entry signal")
		return
	}
	if !acquired {
		log.Info("advisory lock contended; another worker owns this position")
		return
	}
	defer e.locks.Release(e.ctx, key)

	side := positions.Side(sig.Side)
	if !side.Valid() {
		log.Warn("entry signal with invalid side; dropping")
		return
	}
	approved, qty := e.gate.Check(side, sig.Quantity, sig.ConfidenceScore)
	if !approved {
		log.Info("risk gate rejected entry")
		return
	}
	if qty <= 0 {
		log.WithField("qty", qty).Warn("sized quantity not positive; dropping entry")
		return
	}

	e.execMu.Lock()
	defer e.execMu.Unlock()

	// At most one placed order per pos id: a replayed signal for a position
	// that is already open or in flight must never reach the broker.
	if e.store.Get(posID) != nil {
		log.Info("entry signal for already-open position; dropping")
		return
	}
	if _, inflight := e.pending.Get(posID); inflight {
		log.Info("entry signal for in-flight order; dropping")
		return
	}

	if e.cfg.Simulate {
		e.placeSimulatedEntry(posID, sig, side, qty, log)
		return
	}
	e.placeLiveEntry(posID, sig, side, qty, log)
}

func (e *Engine) placeSimulatedEntry(posID string, sig bus.EntrySignal, side positions.Side, qty int, log *logrus.Entry) {
	info := map[string]any{"pos_id": posID, "security_id": sig.SecurityID, "simulated": true}
	dbID, err := e.journal.Record(e.ctx, string(side), qty, sig.Price, journal.StatusSimulated, info)
	if err != nil {
		// Persistence failure is not fatal; in-memory state still advances.
		log.WithError(err).Error("journaling simulated entry failed")
	}

	e.pending.Put(PendingOrder{
		PosID:     posID,
		DBID:      dbID,
		PlacedTS:  e.now(),
		Qty:       qty,
		Side:      side,
		Price:     sig.Price,
		Simulated: true,
	})
	e.state.RecordTrade()
	e.publishOrderUpdate(bus.TopicOrderPlaced, posID, dbID, true, info)

	if e.clock.IsMarketOpen() {
		// During live hours a simulated order must not synthesize a fill;
		// it stays pending until the monitor times it out.
		log.Info("simulated entry left pending (market open)")
		return
	}

	p := e.store.Open(posID, sig.Symbol, side, qty, sig.Price, sig.SecurityID, sig.StopLoss)
	e.pending.Delete(posID)
	if p == nil {
		log.Warn("position store rejected simulated entry")
		return
	}
	e.publishOrderUpdate(bus.TopicOrderFilled, posID, dbID, true, info)
	log.Info("simulated entry filled")
}

func (e *Engine) placeLiveEntry(posID string, sig bus.EntrySignal, side positions.Side, qty int, log *logrus.Entry) {
	if c, ok := e.adapter.(credentialed); ok && !c.HasCredentials() {
		log.Error("broker credentials missing; cannot place live order")
		return
	}

	req := broker.OrderRequest{
		SecurityID:      sig.SecurityID,
		ExchangeSegment: e.cfg.ExchangeSegment,
		TransactionType: string(side),
		Quantity:        qty,
		OrderType:       broker.OrderTypeMarket,
		ProductType:     broker.ProductIntraday,
	}
	resp, err := e.adapter.PlaceOrder(e.ctx, req)
	if err != nil {
		log.WithError(err).Error("live order failed")
		e.recordJournal(string(side), qty, sig.Price, journal.StatusFailed, map[string]any{"pos_id": posID, "error": err.Error()}, log)
		return
	}
	if resp.Rejected() {
		log.WithField("status", resp.Status()).Warn("broker rejected order")
		e.recordJournal(string(side), qty, sig.Price, journal.StatusRejected, resp.Raw, log)
		return
	}

	dbID, err := e.journal.Record(e.ctx, string(side), qty, sig.Price, journal.StatusSent, resp.Raw)
	if err != nil {
		log.WithError(err).Error("journaling sent entry failed")
	}
	e.publishOrderUpdate(bus.TopicOrderPlaced, posID, dbID, false, resp.Raw)

	// Best-effort registration; a fill confirms it, a timeout reconciles it.
	entryPrice := sig.Price
	if avg, ok := resp.AvgPrice(); ok {
		entryPrice = avg
	}
	if p := e.store.Open(posID, sig.Symbol, side, qty, entryPrice, sig.SecurityID, sig.StopLoss); p == nil {
		log.Warn("position store rejected live entry registration")
	}

	e.pending.Put(PendingOrder{
		PosID:      posID,
		DBID:       dbID,
		PlacedTS:   e.now(),
		Qty:        qty,
		Side:       side,
		Price:      entryPrice,
		BrokerInfo: resp.Raw,
	})
	e.state.RecordTrade()

	if !resp.Filled() {
		log.Info("live entry sent, awaiting fill")
		return
	}

	if sid := resp.SecurityID(); sid != "" && e.store.DetectBrokerMismatch(posID, sid) {
		e.store.SetTag(posID, "broker_security_id", sid)
	}
	e.pending.Delete(posID)
	e.publishOrderUpdate(bus.TopicOrderFilled, posID, dbID, false, resp.Raw)
	log.Info("live entry filled immediately")

	if e.cfg.InitialStopLoss > 0 {
		e.placeStopLoss(posID, sig, side, qty, entryPrice, log)
	}
}

// placeStopLoss puts a broker-side SL-M on the opposite side at entry±SL.
// Failures are logged; the position stays protected by the trailing stop and
// the strategy's exit logic.
func (e *Engine) placeStopLoss(posID string, sig bus.EntrySignal, side positions.Side, qty int, entryPrice float64, log *logrus.Entry) {
	trigger := entryPrice - e.cfg.InitialStopLoss
	slSide := positions.SideSell
	if side == positions.SideSell {
		trigger = entryPrice + e.cfg.InitialStopLoss
		slSide = positions.SideBuy
	}

	resp, err := e.adapter.PlaceOrder(e.ctx, broker.OrderRequest{
		SecurityID:      sig.SecurityID,
		ExchangeSegment: e.cfg.ExchangeSegment,
		TransactionType: string(slSide),
		Quantity:        qty,
		OrderType:       broker.OrderTypeSLM,
		TriggerPrice:    trigger,
		ProductType:     broker.ProductIntraday,
	})
	if err != nil {
		log.WithError(err).Warn("stop-loss order failed")
		return
	}
	e.store.SetTag(posID, "sl_order_id", resp.OrderID())
	log.WithField("trigger", trigger).Info("stop-loss order placed")
}

// ---- EXIT ----

func (e *Engine) handleExitSignal(payload any) {
	sig, ok := payload.(bus.ExitSignal)
	if !ok {
		e.logger.WithField("payload", fmt.Sprintf("%T", payload)).Warn("exit signal with unexpected payload type")
		return
	}

	if sig.PosID != "" {
		e.exitPosition(sig.PosID, sig.Price)
		return
	}
	if sig.SecurityID == "" {
		e.logger.Warn("exit signal without pos_id or security_id; dropping")
		return
	}

	// Security-id addressed exit: close the first matching open position we
	// can win the lock for.
	for _, p := range e.store.List() {
		if p.SecurityID != sig.SecurityID {
			continue
		}
		if e.exitPosition(p.ID, sig.Price) {
			return
		}
	}
}

// exitPosition runs the close path for one position; reports whether a close
// or close attempt happened under the lock.
func (e *Engine) exitPosition(posID string, price float64) bool {
	log := e.logger.WithField("pos_id", posID)

	key := pglock.KeyForPosition(posID)
	acquired, err := e.locks.TryAcquire(e.ctx, key)
	if err != nil {
		log.WithError(err).Error("advisory lock failed; dropping exit signal")
		return false
	}
	if !acquired {
		log.Info("advisory lock contended on exit; another worker owns this position")
		return false
	}
	defer e.locks.Release(e.ctx, key)

	e.execMu.Lock()
	defer e.execMu.Unlock()

	p := e.store.Get(posID)
	if p == nil {
		log.Warn("exit requested for unknown position")
		return false
	}
	if p.Quantity <= 0 {
		log.WithField("qty", p.Quantity).Error("open position with non-positive quantity; dropping exit")
		return false
	}

	exitSide := positions.SideSell
	if p.Side == positions.SideSell {
		exitSide = positions.SideBuy
	}

	if e.cfg.Simulate {
		e.closeSimulated(p, exitSide, price, log)
		return true
	}
	e.closeLive(p, exitSide, price, log)
	return true
}

func (e *Engine) closeSimulated(p *positions.Position, exitSide positions.Side, price float64, log *logrus.Entry) {
	info := map[string]any{"pos_id": p.ID, "security_id": p.SecurityID, "simulated": true}

	if e.clock.IsMarketOpen() {
		// Same rule as entries: no synthetic fills during live hours.
		dbID, err := e.journal.Record(e.ctx, string(exitSide), p.Quantity, price, journal.StatusSimulated, info)
		if err != nil {
			log.WithError(err).Error("journaling simulated exit failed")
		}
		e.pending.Put(PendingOrder{
			PosID:     p.ID,
			DBID:      dbID,
			PlacedTS:  e.now(),
			Qty:       p.Quantity,
			Side:      exitSide,
			Price:     price,
			Simulated: true,
			Exit:      true,
		})
		e.publishOrderUpdate(bus.TopicOrderPlaced, p.ID, dbID, true, info)
		log.Info("simulated exit left pending (market open)")
		return
	}

	closed := e.store.Close(p.ID, price)
	if closed == nil {
		log.Warn("position vanished before simulated close")
		return
	}
	info["pnl"] = closed.PnL
	e.recordJournal(string(exitSide), closed.Quantity, price, journal.StatusClosed, info, log)
	e.state.AddPnL(closed.PnL)
	log.WithField("pnl", closed.PnL).Info("simulated exit closed position")
}

func (e *Engine) closeLive(p *positions.Position, exitSide positions.Side, price float64, log *logrus.Entry) {
	resp, err := e.adapter.PlaceOrder(e.ctx, broker.OrderRequest{
		SecurityID:      p.SecurityID,
		ExchangeSegment: e.cfg.ExchangeSegment,
		TransactionType: string(exitSide),
		Quantity:        p.Quantity,
		OrderType:       broker.OrderTypeMarket,
		ProductType:     broker.ProductIntraday,
	})
	if err != nil {
		log.WithError(err).Error("live exit order failed")
		e.recordJournal(string(exitSide), p.Quantity, price, journal.StatusFailed, map[string]any{"pos_id": p.ID, "error": err.Error()}, log)
		return
	}
	if resp.Rejected() {
		log.WithField("status", resp.Status()).Warn("broker rejected exit order")
		e.recordJournal(string(exitSide), p.Quantity, price, journal.StatusRejected, resp.Raw, log)
		return
	}

	dbID, err := e.journal.Record(e.ctx, string(exitSide), p.Quantity, price, journal.StatusSent, resp.Raw)
	if err != nil {
		log.WithError(err).Error("journaling sent exit failed")
	}
	e.publishOrderUpdate(bus.TopicOrderPlaced, p.ID, dbID, false, resp.Raw)
	e.pending.Put(PendingOrder{
		PosID:      p.ID,
		DBID:       dbID,
		PlacedTS:   e.now(),
		Qty:        p.Quantity,
		Side:       exitSide,
		Price:      price,
		BrokerInfo: resp.Raw,
		Exit:       true,
	})

	if !resp.Filled() {
		// Leave the position open until the fill confirmation arrives.
		log.Info("live exit sent, awaiting fill")
		return
	}

	exitPrice := price
	if avg, ok := resp.AvgPrice(); ok {
		exitPrice = avg
	}
	closed := e.store.Close(p.ID, exitPrice)
	if closed == nil {
		log.Warn("position vanished before live close")
		e.pending.Delete(p.ID)
		return
	}
	e.recordJournal(string(exitSide), closed.Quantity, exitPrice, journal.StatusClosed, map[string]any{"pos_id": p.ID, "pnl": closed.PnL}, log)
	e.state.AddPnL(closed.PnL)
	e.pending.Delete(p.ID)
	log.WithField("pnl", closed.PnL).Info("live exit filled immediately")
}

// ---- FILL ----

// handleOrderFilled clears the pending entry for a filled order. Idempotent:
// a second fill notification for the same position is a no-op.
func (e *Engine) handleOrderFilled(payload any) {
	upd, ok := payload.(bus.OrderUpdate)
	if !ok {
		return
	}
	if e.pending.Delete(upd.PosID) {
		e.logger.WithField("pos_id", upd.PosID).Debug("cleared pending order on fill")
	}
}

// ---- helpers ----

func (e *Engine) publishOrderUpdate(topic, posID string, dbID int64, simulated bool, info map[string]any) {
	e.bus.Publish(topic, bus.OrderUpdate{
		PosID:     posID,
		DBID:      dbID,
		Timestamp: e.now().UTC(),
		Simulated: simulated,
		Info:      info,
	})
}

func (e *Engine) recordJournal(side string, qty int, price float64, status journal.Status, info map[string]any, log *logrus.Entry) {
	if _, err := e.journal.Record(e.ctx, side, qty, price, status, info); err != nil {
		log.WithError(err).WithField("status", status).Error("journal write failed")
	}
}
