package exec

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/broker"
	"niftybot/internal/bus"
	"niftybot/internal/journal"
)

// Monitor sweeps the pending-order table and times out orders that have been
// waiting longer than the configured limit. Timed-out live orders get a
// best-effort broker cancel; every timeout publishes ORDER_TIMEOUT and marks
// the journal row timed_out.
type Monitor struct {
	pending *PendingTable
	bus     *bus.Bus
	journal journal.Interface
	adapter broker.Adapter
	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// NewMonitor builds a monitor with the given order timeout. The adapter may
// be nil when running simulated.
func NewMonitor(pending *PendingTable, b *bus.Bus, jrnl journal.Interface, adapter broker.Adapter, timeout time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		pending: pending,
		bus:     b,
		journal: jrnl,
		adapter: adapter,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNow overrides the time source. Tests only.
func (m *Monitor) WithNow(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Interval derives the sweep cadence from the timeout: a third of it, clamped
// to [1s, 5s], so short timeouts are caught promptly without busy-polling.
func (m *Monitor) Interval() time.Duration {
	third := m.timeout / 3
	if third > 5*time.Second {
		third = 5 * time.Second
	}
	if third < time.Second {
		third = time.Second
	}
	return third
}

// Run sweeps until ctx is done. A panicking sweep is logged and the loop
// backs off before resuming.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval())
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"timeout": m.timeout, "interval": m.Interval(),
	}).Info("pending-order monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pending-order monitor stopped")
			return
		case <-ticker.C:
			if !m.safeSweep(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

func (m *Monitor) safeSweep(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("monitor sweep panicked")
			ok = false
		}
	}()
	m.Sweep(ctx)
	return true
}

// Sweep runs one pass over the pending table.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()
	for _, po := range m.pending.Snapshot() {
		age := now.Sub(po.PlacedTS)
		if age < m.timeout {
			continue
		}
		m.timeOut(ctx, po, age)
	}
}

func (m *Monitor) timeOut(ctx context.Context, po PendingOrder, age time.Duration) {
	log := m.logger.WithFields(logrus.Fields{
		"pos_id": po.PosID, "db_id": po.DBID, "age_s": age.Seconds(),
	})

	if !po.Simulated && m.adapter != nil {
		if orderID := broker.NewOrderResponse(po.BrokerInfo).OrderID(); orderID != "" {
			if err := m.adapter.CancelOrder(ctx, orderID); err != nil {
				log.WithError(err).Warn("cancel of timed-out order failed")
			} else {
				log.WithField("order_id", orderID).Info("cancelled timed-out order")
			}
		}
	}

	m.bus.Publish(bus.TopicOrderTimeout, bus.OrderUpdate{
		PosID:      po.PosID,
		DBID:       po.DBID,
		Timestamp:  m.now().UTC(),
		Simulated:  po.Simulated,
		AgeSeconds: age.Seconds(),
		Info:       po.BrokerInfo,
	})

	if po.DBID > 0 {
		if err := m.journal.MarkTimedOut(ctx, po.DBID); err != nil {
			log.WithError(err).Error("marking journal row timed_out failed")
		}
	}
	m.pending.Delete(po.PosID)
	log.Warn("pending order timed out")
}
