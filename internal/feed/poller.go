// Package feed implements the Tier A broker poller: it polls Dhan quote and
// option-chain endpoints on an interval, publishes ticks on the bus, and
// persists chain snapshots.
package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/broker"
	"niftybot/internal/bus"
	"niftybot/internal/chains"
	"niftybot/internal/config"
	"niftybot/internal/market"
)

// Poller drives one polling loop over the configured indices. Quote data
// becomes TICK events; option chains go to the chain store. Outside market
// hours the loop idles.
type Poller struct {
	client  *broker.DhanClient
	bus     *bus.Bus
	chains  chains.Store
	clock   market.Clock
	indices []config.IndexConfig
	period  time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	// nearest expiry per index name, refreshed when it passes
	expiries map[string]string
}

// NewPoller wires the poller. The chain store may be nil to skip persistence.
func NewPoller(client *broker.DhanClient, b *bus.Bus, chainStore chains.Store, clock market.Clock, cfg config.FeedConfig, logger *logrus.Logger) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Poller{
		client:   client,
		bus:      b,
		chains:   chainStore,
		clock:    clock,
		indices:  cfg.Indices,
		period:   time.Duration(cfg.PollSeconds) * time.Second,
		logger:   logger,
		now:      time.Now,
		expiries: make(map[string]string),
	}
}

// Run polls until ctx is done. Individual poll failures are logged and the
// loop continues; the broker client already rate limits.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	p.logger.WithFields(logrus.Fields{
		"period": p.period, "indices": len(p.indices),
	}).Info("feed poller started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("feed poller stopped")
			return
		case <-ticker.C:
			if !p.clock.IsMarketOpen() {
				continue
			}
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	if len(p.indices) == 0 {
		return
	}

	segments := make(map[string][]int)
	bySecurity := make(map[string]config.IndexConfig)
	for _, idx := range p.indices {
		seg := idx.Segment
		if seg == "" {
			seg = "IDX_I"
		}
		segments[seg] = append(segments[seg], idx.SecurityID)
		bySecurity[strconv.Itoa(idx.SecurityID)] = idx
	}

	ltps, err := p.client.QuoteLTP(ctx, segments)
	if err != nil {
		p.logger.WithError(err).Warn("quote poll failed")
	} else {
		ts := p.now().UTC()
		for sid, ltp := range ltps {
			idx, ok := bySecurity[sid]
			if !ok {
				continue
			}
			p.bus.Publish(bus.TopicTick, bus.Tick{Symbol: idx.Name, LTP: ltp, TS: ts})
		}
	}

	if p.chains == nil {
		return
	}
	for _, idx := range p.indices {
		if idx.Scrip <= 0 {
			continue
		}
		seg := idx.Segment
		if seg == "" {
			seg = "IDX_I"
		}
		expiry := p.nearestExpiry(ctx, idx, seg)
		chain, err := p.client.OptionChain(ctx, idx.Scrip, seg, expiry)
		if err != nil {
			p.logger.WithError(err).WithField("index", idx.Name).Warn("option chain poll failed")
			continue
		}
		if err := p.chains.Save(ctx, idx.Name, expiry, chain); err != nil {
			p.logger.WithError(err).WithField("index", idx.Name).Error("persisting option chain failed")
		}
	}
}

// nearestExpiry resolves the nearest listed expiry for the index, cached
// until the date rolls off. An empty result lets the broker pick.
func (p *Poller) nearestExpiry(ctx context.Context, idx config.IndexConfig, seg string) string {
	if exp, ok := p.expiries[idx.Name]; ok && exp >= p.now().UTC().Format("2006-01-02") {
		return exp
	}
	list, err := p.client.ExpiryList(ctx, idx.Scrip, seg)
	if err != nil || len(list) == 0 {
		if err != nil {
			p.logger.WithError(err).WithField("index", idx.Name).Warn("expiry list poll failed")
		}
		return ""
	}
	p.expiries[idx.Name] = list[0]
	return list[0]
}
