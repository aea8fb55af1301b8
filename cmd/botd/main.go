// botd is the Tier B daemon: it consumes the market-data API, runs the
// breakout strategy, and drives order execution through the broker with
// risk admission, advisory locking, and journaling.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"niftybot/internal/broker"
	"niftybot/internal/bus"
	"niftybot/internal/candles"
	"niftybot/internal/config"
	"niftybot/internal/exec"
	"niftybot/internal/journal"
	"niftybot/internal/market"
	"niftybot/internal/mds"
	"niftybot/internal/pglock"
	"niftybot/internal/positions"
	"niftybot/internal/risk"
	"niftybot/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("loading config failed")
	}
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Environment.Simulate {
		logger.Info("SIMULATE mode: no broker orders will be placed")
	} else {
		logger.Warn("LIVE mode: real orders will be placed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence. Simulate mode runs fine without a database.
	var (
		jrnl  journal.Interface
		locks pglock.Locker
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.WithError(err).Fatal("connecting to database failed")
		}
		defer pool.Close()
		if jrnl, err = journal.NewPG(ctx, pool); err != nil {
			logger.WithError(err).Fatal("initializing trade journal failed")
		}
		locks = pglock.New(pool, logger)
	} else {
		logger.Warn("no database configured; journal and locks are in-process only")
		jrnl = journal.NewMemory()
		locks = pglock.NewLocal()
	}

	var adapter broker.Adapter
	if !cfg.Environment.Simulate {
		client := broker.NewDhanClient(cfg.Broker.ClientID, cfg.Broker.AccessToken, cfg.Broker.BaseURL)
		adapter = broker.NewCircuitBreakerAdapter(client, broker.DefaultBreakerSettings, logger)
	}

	eventBus := bus.New(logger)
	store := positions.NewStore(cfg.Execution.SinglePosition, logger)
	state := risk.NewBotState()
	gate := risk.NewGate(risk.Limits{
		MaxPosition:     cfg.Risk.MaxPosition,
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
		BaseQty:         cfg.Risk.BaseQty,
	}, state, store, logger)
	clock := market.NewSessionClock(cfg.Schedule.Timezone, cfg.Schedule.Open, cfg.Schedule.Close)

	pending := exec.NewPendingTable()
	engine := exec.New(exec.Config{
		Simulate:        cfg.Environment.Simulate,
		InitialStopLoss: cfg.Risk.InitialStopLoss,
	}, eventBus, store, pending, gate, locks, jrnl, adapter, clock, state, logger)
	engine.Start(ctx)
	defer engine.Stop()

	monitor := exec.NewMonitor(pending, eventBus, jrnl, adapter, cfg.OrderTimeout(), logger)

	// Ticks come from Tier A; a local aggregator turns them into the 1m
	// candles the strategy consumes.
	aggregator := candles.NewAggregator(eventBus, nil, logger)
	aggregator.Start(ctx)

	runner := strategy.NewRunner(strategy.Params{
		Symbol:           cfg.Strategy.Symbol,
		SecurityID:       cfg.Strategy.SecurityID,
		LotSize:          cfg.Strategy.LotSize,
		ATRPeriod:        cfg.Strategy.ATRPeriod,
		ATRMultiplier:    cfg.Strategy.ATRMultiplier,
		TimeframeMinutes: cfg.Strategy.TimeframeMinutes,
		MinTradeGap:      time.Duration(cfg.Strategy.MinTradeGapSeconds) * time.Second,
	}, eventBus, store, logger)

	mdsClient := mds.NewClient(cfg.MDS.BaseURL, logger)
	seedRunner(ctx, mdsClient, runner, cfg, logger)
	runner.Start()
	defer runner.Stop()

	watchTrailingStops(eventBus, store, logger)

	listenAddr := cfg.API.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8081"
	}
	api := newAPIServer(listenAddr, eventBus, store, jrnl, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		resetDailyCounters(gctx, clock, state, logger)
		return nil
	})
	g.Go(func() error {
		mdsClient.Consume(gctx, eventBus, []string{cfg.Strategy.Symbol},
			time.Duration(cfg.MDS.PollSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		if err := api.start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		aggregator.Stop(shutdownCtx)
		return api.shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("botd terminated")
	}
	logger.Info("botd stopped")
}

// seedRunner warms the strategy with recent 1m candles from the market-data
// API. Best effort: a cold Tier A just means a longer warmup.
func seedRunner(ctx context.Context, client *mds.Client, runner *strategy.Runner, cfg *config.Config, logger *logrus.Logger) {
	if cfg.MDS.BaseURL == "" {
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	limit := (cfg.Strategy.ATRPeriod + 4) * cfg.Strategy.TimeframeMinutes
	minutes, err := client.LastCandles(seedCtx, cfg.Strategy.Symbol, 60, limit)
	if err != nil {
		logger.WithError(err).Warn("seeding strategy from market data failed")
		return
	}
	runner.Seed(minutes)
	logger.WithField("candles", len(minutes)).Info("strategy seeded from market data")
}

// resetDailyCounters zeroes the risk counters when a new session opens.
func resetDailyCounters(ctx context.Context, clock market.Clock, state *risk.BotState, logger *logrus.Logger) {
	wasOpen := clock.IsMarketOpen()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open := clock.IsMarketOpen()
			if open && !wasOpen {
				state.ResetDaily()
				logger.Info("session open; daily risk counters reset")
			}
			wasOpen = open
		}
	}
}

// watchTrailingStops exits positions whose trailing stop the latest tick has
// crossed, and keeps unrealized PnL current.
func watchTrailingStops(b *bus.Bus, store *positions.Store, logger *logrus.Logger) {
	b.Subscribe(bus.TopicTick, func(payload any) {
		tick, ok := payload.(bus.Tick)
		if !ok {
			return
		}
		for _, p := range store.List() {
			if p.Symbol != tick.Symbol {
				continue
			}
			store.UpdateMarketPrice(p.ID, tick.LTP)
			if store.CheckTrailingStop(p.ID, tick.LTP) {
				logger.WithFields(logrus.Fields{
					"pos_id": p.ID, "ltp": tick.LTP,
				}).Warn("trailing stop crossed; exiting position")
				b.Publish(bus.TopicExitSignal, bus.ExitSignal{PosID: p.ID, Price: tick.LTP})
			}
		}
	})
}
