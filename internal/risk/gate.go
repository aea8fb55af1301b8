package risk

import (
	"math"

	"github.com/sirupsen/logrus"

	"niftybot/internal/positions"
)

// Limits are the admission thresholds the gate enforces.
type Limits struct {
	MaxPosition     int     // absolute net-quantity cap
	MaxDailyLoss    float64 // reject entries once daily pnl <= -|MaxDailyLoss|
	MaxTradesPerDay int
	BaseQty         int // baseline for confidence-weighted sizing
}

// Exposure reports the signed open quantity the gate projects against.
type Exposure interface {
	NetQuantity() int
}

// Gate sizes and admits entry orders. It never approves on internal failure.
type Gate struct {
	limits   Limits
	state    *BotState
	exposure Exposure
	logger   *logrus.Logger
}

// NewGate wires the gate to the shared counters and the position registry.
func NewGate(limits Limits, state *BotState, exposure Exposure, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{limits: limits, state: state, exposure: exposure, logger: logger}
}

// Check admits or rejects an entry and returns the quantity to use. When a
// confidence score is present the quantity is max(1, floor(BaseQty*score));
// otherwise the requested quantity stands. Checks run in order: daily loss,
// trade count, projected net exposure.
func (g *Gate) Check(side positions.Side, requestedQty int, confidence *float64) (approved bool, sizedQty int) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WithField("panic", r).Error("risk check failed internally; rejecting")
			approved = false
			sizedQty = 0
		}
	}()

	qty := requestedQty
	if confidence != nil {
		qty = int(math.Floor(float64(g.limits.BaseQty) * *confidence))
		if qty < 1 {
			qty = 1
		}
	}

	dailyPnL, tradeCount := g.state.Snapshot()

	if g.limits.MaxDailyLoss > 0 && dailyPnL <= -math.Abs(g.limits.MaxDailyLoss) {
		g.logger.WithFields(logrus.Fields{
			"daily_pnl": dailyPnL, "max_daily_loss": g.limits.MaxDailyLoss,
		}).Warn("rejecting entry: daily loss limit reached")
		return false, 0
	}

	if g.limits.MaxTradesPerDay > 0 && tradeCount >= g.limits.MaxTradesPerDay {
		g.logger.WithFields(logrus.Fields{
			"trades": tradeCount, "max_trades": g.limits.MaxTradesPerDay,
		}).Warn("rejecting entry: daily trade count limit reached")
		return false, 0
	}

	projected := g.exposure.NetQuantity()
	switch side {
	case positions.SideBuy:
		projected += qty
	case positions.SideSell:
		projected -= qty
	}
	if g.limits.MaxPosition > 0 && abs(projected) > g.limits.MaxPosition {
		g.logger.WithFields(logrus.Fields{
			"projected": projected, "max_position": g.limits.MaxPosition,
		}).Warn("rejecting entry: projected net exposure exceeds cap")
		return false, 0
	}

	return true, qty
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
