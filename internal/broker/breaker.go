package broker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerAdapter wraps an Adapter with a circuit breaker so a flapping
// broker API stops consuming order attempts instead of timing each one out.
type CircuitBreakerAdapter struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings configures the wrapper.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings are conservative defaults for an order path.
var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerAdapter wraps adapter with the given settings.
func NewCircuitBreakerAdapter(adapter Adapter, settings BreakerSettings, logger *logrus.Logger) *CircuitBreakerAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	gb := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Warn("circuit breaker state change")
		},
	}
	return &CircuitBreakerAdapter{
		adapter: adapter,
		breaker: gobreaker.NewCircuitBreaker(gb),
	}
}

var _ Adapter = (*CircuitBreakerAdapter)(nil)

// PlaceOrder forwards through the breaker.
func (c *CircuitBreakerAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.adapter.PlaceOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := res.(*OrderResponse)
	return resp, nil
}

// CancelOrder forwards through the breaker.
func (c *CircuitBreakerAdapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.adapter.CancelOrder(ctx, orderID)
	})
	return err
}
