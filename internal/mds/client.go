package mds

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"niftybot/internal/bus"
	"niftybot/internal/candles"
	"niftybot/internal/chains"
)

// Client is the Tier B consumer of the market-data API. Consume republishes
// polled quotes as TICK events so the rest of botd is indifferent to where
// market data comes from.
type Client struct {
	http   *resty.Client
	logger *logrus.Logger
}

// NewClient builds a client for the given Tier A base URL.
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		logger: logger,
	}
}

// Health probes /v1/health.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("health check: status %d", resp.StatusCode())
	}
	return nil
}

// Quote fetches the latest quote for a symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var q Quote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&q).
		Get("/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("fetching quote for %s: %w", symbol, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching quote for %s: status %d", symbol, resp.StatusCode())
	}
	return &q, nil
}

// LastCandles fetches candles aggregated to timeframeSeconds, oldest first.
func (c *Client) LastCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]candles.Candle, error) {
	var out []candles.Candle
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":            symbol,
			"timeframe_seconds": strconv.Itoa(timeframeSeconds),
			"limit":             strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get("/v1/candles/last")
	if err != nil {
		return nil, fmt.Errorf("fetching candles for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching candles for %s: status %d", symbol, resp.StatusCode())
	}
	return out, nil
}

// OptionChain fetches the latest chain snapshot for a symbol, or nil. An
// empty expiry returns the most recently updated one.
func (c *Client) OptionChain(ctx context.Context, symbol, expiry string) (*chains.Snapshot, error) {
	var snap chains.Snapshot
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&snap)
	if expiry != "" {
		req.SetQueryParam("expiry", expiry)
	}
	resp, err := req.Get("/v1/option_chain")
	if err != nil {
		return nil, fmt.Errorf("fetching chain for %s: %w", symbol, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching chain for %s: status %d", symbol, resp.StatusCode())
	}
	return &snap, nil
}

// Consume polls quotes for the symbols on the given period and republishes
// them as TICK events until ctx is done. Poll failures are logged and the
// loop continues.
func (c *Client) Consume(ctx context.Context, b *bus.Bus, symbols []string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.logger.WithFields(logrus.Fields{
		"period": period, "symbols": symbols,
	}).Info("market-data consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("market-data consumer stopped")
			return
		case <-ticker.C:
			for _, sym := range symbols {
				q, err := c.Quote(ctx, sym)
				if err != nil {
					c.logger.WithError(err).WithField("symbol", sym).Warn("quote poll failed")
					continue
				}
				if q == nil {
					continue
				}
				b.Publish(bus.TopicTick, bus.Tick{Symbol: q.Symbol, LTP: q.LTP, TS: q.TS})
			}
		}
	}
}
