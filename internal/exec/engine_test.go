package exec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
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

type stubBroker struct {
	mu        sync.Mutex
	placed    []broker.OrderRequest
	cancelled []string
	placeFn   func(broker.OrderRequest) (*broker.OrderResponse, error)
	creds     bool
}

func (s *stubBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	s.mu.Lock()
	s.placed = append(s.placed, req)
	s.mu.Unlock()
	if s.placeFn != nil {
		return s.placeFn(req)
	}
	return broker.NewOrderResponse(map[string]any{"status": "pending", "orderId": "oid-1"}), nil
}

func (s *stubBroker) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, orderID)
	s.mu.Unlock()
	return nil
}

func (s *stubBroker) HasCredentials() bool { return s.creds }

func (s *stubBroker) placedOrders() []broker.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.OrderRequest, len(s.placed))
	copy(out, s.placed)
	return out
}

type fixture struct {
	bus     *bus.Bus
	store   *positions.Store
	pending *PendingTable
	state   *risk.BotState
	journal *journal.Memory
	locks   *pglock.Local
	broker  *stubBroker
	engine  *Engine
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(cfg Config, limits risk.Limits, marketOpen, singlePosition bool, brk *stubBroker) *fixture {
	logger := quietLogger()
	f := &fixture{
		bus:     bus.New(logger),
		store:   positions.NewStore(singlePosition, logger),
		pending: NewPendingTable(),
		state:   risk.NewBotState(),
		journal: journal.NewMemory(),
		locks:   pglock.NewLocal(),
		broker:  brk,
	}
	gate := risk.NewGate(limits, f.state, f.store, logger)
	var adapter broker.Adapter
	if brk != nil {
		adapter = brk
	}
	f.engine = New(cfg, f.bus, f.store, f.pending, gate, f.locks, f.journal, adapter, market.Stub{Open: marketOpen}, f.state, logger)
	f.engine.Start(context.Background())
	return f
}

func defaultLimits() risk.Limits {
	return risk.Limits{MaxPosition: 10000, MaxDailyLoss: 100000, MaxTradesPerDay: 100, BaseQty: 75}
}

func captureTopic(b *bus.Bus, topic string) <-chan bus.OrderUpdate {
	ch := make(chan bus.OrderUpdate, 16)
	b.Subscribe(topic, func(p any) {
		if u, ok := p.(bus.OrderUpdate); ok {
			ch <- u
		}
	})
	return ch
}

func waitUpdate(t *testing.T, ch <-chan bus.OrderUpdate, what string) bus.OrderUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return bus.OrderUpdate{}
	}
}

func TestSimulatedEntryFillsWhenMarketClosed(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)
	placed := captureTopic(f.bus, bus.TopicOrderPlaced)
	filled := captureTopic(f.bus, bus.TopicOrderFilled)

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_1", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 102.5, SecurityID: "44492",
	})

	waitUpdate(t, placed, "ORDER_PLACED")
	fill := waitUpdate(t, filled, "ORDER_FILLED")
	if !fill.Simulated {
		t.Error("fill not marked simulated")
	}

	p := f.store.Get("pos_1")
	if p == nil {
		t.Fatal("position not opened")
	}
	if p.Quantity != 75 || p.EntryPrice != 102.5 || p.Side != positions.SideBuy {
		t.Errorf("position = %+v", p)
	}
	if f.pending.Len() != 0 {
		t.Errorf("pending table has %d entries, want 0", f.pending.Len())
	}
	if n := f.journal.CountByStatus(journal.StatusSimulated); n != 1 {
		t.Errorf("simulated journal rows = %d, want 1", n)
	}
}

func TestSimulatedEntryStaysPendingWhenMarketOpen(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), true, true, nil)

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_open", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 102.5, SecurityID: "44492",
	})

	if f.store.Get("pos_open") != nil {
		t.Error("position opened during live hours in simulate mode")
	}
	if f.pending.Len() != 1 {
		t.Fatalf("pending table has %d entries, want 1", f.pending.Len())
	}
	po, ok := f.pending.Get("pos_open")
	if !ok || !po.Simulated {
		t.Errorf("pending order = %+v, %v", po, ok)
	}
	if n := f.journal.CountByStatus(journal.StatusSimulated); n != 1 {
		t.Errorf("simulated journal rows = %d, want 1", n)
	}
}

func TestDuplicateEntryForOpenPositionIgnored(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)
	sig := bus.EntrySignal{
		PosID: "pos_dup", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 102.5, SecurityID: "44492",
	}

	f.engine.handleEntrySignal(sig)
	if f.store.Get("pos_dup") == nil {
		t.Fatal("setup: position not opened")
	}
	f.engine.handleEntrySignal(sig)

	if n := f.journal.CountByStatus(journal.StatusSimulated); n != 1 {
		t.Errorf("simulated journal rows = %d, want 1", n)
	}
	if got := len(f.store.List()); got != 1 {
		t.Errorf("open positions = %d, want 1", got)
	}
	if _, trades := f.state.Snapshot(); trades != 1 {
		t.Errorf("recorded trades = %d, want 1", trades)
	}
}

func TestDuplicateSimulatedEntryStaysSinglePending(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), true, true, nil)
	sig := bus.EntrySignal{
		PosID: "pos_dup", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 102.5, SecurityID: "44492",
	}

	// Market open: the first signal parks a pending order without opening a
	// position, so the replay is caught by the pending table alone.
	f.engine.handleEntrySignal(sig)
	f.engine.handleEntrySignal(sig)

	if f.pending.Len() != 1 {
		t.Errorf("pending orders = %d, want 1", f.pending.Len())
	}
	if n := f.journal.CountByStatus(journal.StatusSimulated); n != 1 {
		t.Errorf("simulated journal rows = %d, want 1", n)
	}
}

func TestDuplicateEntryForPendingOrderPlacesOneOrder(t *testing.T) {
	brk := &stubBroker{creds: true}
	f := newFixture(Config{}, defaultLimits(), true, true, brk)
	sig := bus.EntrySignal{
		PosID: "pos_dup", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100, SecurityID: "44492",
	}

	f.engine.handleEntrySignal(sig)
	f.engine.handleEntrySignal(sig)

	if got := len(brk.placedOrders()); got != 1 {
		t.Errorf("broker orders placed = %d, want 1", got)
	}
	if f.pending.Len() != 1 {
		t.Errorf("pending orders = %d, want 1", f.pending.Len())
	}
	if n := f.journal.CountByStatus(journal.StatusSent); n != 1 {
		t.Errorf("sent journal rows = %d, want 1", n)
	}
}

func TestConcurrentEntriesAllOpen(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, false, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.engine.handleEntrySignal(bus.EntrySignal{
				PosID: fmt.Sprintf("pos_%d", i), Symbol: fmt.Sprintf("NIFTY25SEP%d00CE", 240+i),
				Side: "BUY", Quantity: 75, Price: 100 + float64(i),
			})
		}(i)
	}
	wg.Wait()

	if got := len(f.store.List()); got != 8 {
		t.Errorf("open positions = %d, want 8", got)
	}
	if n := f.journal.CountByStatus(journal.StatusSimulated); n != 8 {
		t.Errorf("simulated journal rows = %d, want 8", n)
	}
}

func TestConcurrentExitsCloseOnce(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)
	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_x", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})
	if f.store.Get("pos_x") == nil {
		t.Fatal("setup: position not opened")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.handleExitSignal(bus.ExitSignal{PosID: "pos_x", Price: 110})
		}()
	}
	wg.Wait()

	if f.store.Get("pos_x") != nil {
		t.Error("position still open after exits")
	}
	if n := f.journal.CountByStatus(journal.StatusClosed); n != 1 {
		t.Errorf("closed journal rows = %d, want exactly 1", n)
	}
	pnl, _ := f.state.Snapshot()
	if pnl != 750 {
		t.Errorf("daily pnl = %v, want 750", pnl)
	}
}

func TestRiskRejectionPlacesNothing(t *testing.T) {
	limits := defaultLimits()
	limits.MaxDailyLoss = 500
	f := newFixture(Config{Simulate: true}, limits, false, true, nil)
	f.state.AddPnL(-600)

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_r", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})

	if f.store.HasOpen() {
		t.Error("position opened past daily loss limit")
	}
	if f.pending.Len() != 0 {
		t.Error("pending order created for rejected entry")
	}
	if got := len(f.journal.All()); got != 0 {
		t.Errorf("journal rows = %d, want 0", got)
	}
}

func TestConfidenceSizing(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)
	conf := 0.5
	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_c", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100, ConfidenceScore: &conf,
	})

	p := f.store.Get("pos_c")
	if p == nil {
		t.Fatal("position not opened")
	}
	if p.Quantity != 37 {
		t.Errorf("sized quantity = %d, want 37", p.Quantity)
	}
}

func TestEntryDroppedOnLockContention(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)
	key := pglock.KeyForPosition("pos_held")
	if ok, _ := f.locks.TryAcquire(context.Background(), key); !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_held", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})

	if f.store.HasOpen() {
		t.Error("contended entry opened a position")
	}
	if got := len(f.journal.All()); got != 0 {
		t.Errorf("journal rows = %d, want 0", got)
	}
}

func TestLiveEntryImmediateFillPlacesStopLoss(t *testing.T) {
	brk := &stubBroker{creds: true}
	brk.placeFn = func(req broker.OrderRequest) (*broker.OrderResponse, error) {
		if req.OrderType == broker.OrderTypeSLM {
			return broker.NewOrderResponse(map[string]any{"status": "pending", "orderId": "sl-1"}), nil
		}
		return broker.NewOrderResponse(map[string]any{
			"status": "filled", "orderId": "oid-9", "filled_quantity": 75.0, "avg_price": 101.25,
		}), nil
	}
	f := newFixture(Config{InitialStopLoss: 10}, defaultLimits(), true, true, brk)
	filled := captureTopic(f.bus, bus.TopicOrderFilled)

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_l", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100, SecurityID: "44492",
	})

	waitUpdate(t, filled, "ORDER_FILLED")
	p := f.store.Get("pos_l")
	if p == nil {
		t.Fatal("position not opened")
	}
	if p.EntryPrice != 101.25 {
		t.Errorf("entry price = %v, want broker avg 101.25", p.EntryPrice)
	}
	if f.pending.Len() != 0 {
		t.Error("pending entry not cleared on immediate fill")
	}
	if n := f.journal.CountByStatus(journal.StatusSent); n != 1 {
		t.Errorf("sent journal rows = %d, want 1", n)
	}

	orders := brk.placedOrders()
	if len(orders) != 2 {
		t.Fatalf("placed orders = %d, want entry + stop-loss", len(orders))
	}
	sl := orders[1]
	if sl.OrderType != broker.OrderTypeSLM || sl.TransactionType != string(positions.SideSell) {
		t.Errorf("stop-loss order = %+v", sl)
	}
	if sl.TriggerPrice != 91.25 {
		t.Errorf("stop-loss trigger = %v, want 91.25", sl.TriggerPrice)
	}
	if p.Tags["sl_order_id"] != "sl-1" {
		t.Errorf("sl_order_id tag = %q", p.Tags["sl_order_id"])
	}
}

func TestLiveEntryRejectedByBroker(t *testing.T) {
	brk := &stubBroker{creds: true}
	brk.placeFn = func(broker.OrderRequest) (*broker.OrderResponse, error) {
		return broker.NewOrderResponse(map[string]any{"status": "REJECTED", "omsErrorDescription": "margin"}), nil
	}
	f := newFixture(Config{}, defaultLimits(), true, true, brk)

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_rj", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})

	if f.store.HasOpen() {
		t.Error("rejected order opened a position")
	}
	if n := f.journal.CountByStatus(journal.StatusRejected); n != 1 {
		t.Errorf("rejected journal rows = %d, want 1", n)
	}
}

func TestLiveEntryWithoutCredentials(t *testing.T) {
	brk := &stubBroker{creds: false}
	f := newFixture(Config{}, defaultLimits(), true, true, brk)

	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_nc", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})

	if len(brk.placedOrders()) != 0 {
		t.Error("order placed without credentials")
	}
	if got := len(f.journal.All()); got != 0 {
		t.Errorf("journal rows = %d, want 0", got)
	}
}

func TestExitBySecurityID(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, false, nil)
	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_a", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100, SecurityID: "44492",
	})
	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_b", Symbol: "NIFTY25SEP24100CE", Side: "BUY",
		Quantity: 75, Price: 80, SecurityID: "44493",
	})

	f.engine.handleExitSignal(bus.ExitSignal{SecurityID: "44493", Price: 90})

	if f.store.Get("pos_b") != nil {
		t.Error("security-id addressed position not closed")
	}
	if f.store.Get("pos_a") == nil {
		t.Error("unrelated position was closed")
	}
}

func TestExitUnknownPosition(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)

	f.engine.handleExitSignal(bus.ExitSignal{PosID: "nope", Price: 100})

	if got := len(f.journal.All()); got != 0 {
		t.Errorf("journal rows = %d, want 0", got)
	}
}

func TestSimulatedExitStaysPendingWhenMarketOpen(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), false, true, nil)
	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_e", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})

	f.engine.clock = market.Stub{Open: true}
	f.engine.handleExitSignal(bus.ExitSignal{PosID: "pos_e", Price: 110})

	if f.store.Get("pos_e") == nil {
		t.Error("position closed during live hours in simulate mode")
	}
	po, ok := f.pending.Get("pos_e")
	if !ok || !po.Exit {
		t.Errorf("pending exit order = %+v, %v", po, ok)
	}
}

func TestOrderFilledClearsPending(t *testing.T) {
	f := newFixture(Config{Simulate: true}, defaultLimits(), true, true, nil)
	f.engine.handleEntrySignal(bus.EntrySignal{
		PosID: "pos_f", Symbol: "NIFTY25SEP24000CE", Side: "BUY",
		Quantity: 75, Price: 100,
	})
	if f.pending.Len() != 1 {
		t.Fatal("setup: entry not pending")
	}

	f.engine.handleOrderFilled(bus.OrderUpdate{PosID: "pos_f"})
	if f.pending.Len() != 0 {
		t.Error("fill did not clear pending order")
	}
	// Second notification is a no-op.
	f.engine.handleOrderFilled(bus.OrderUpdate{PosID: "pos_f"})
}
