// feedd is the Tier A daemon: it polls the broker for quotes and option
// chains, builds 1-minute candles, persists both, and serves the market-data
// HTTP API the bot daemon consumes.
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
	"niftybot/internal/chains"
	"niftybot/internal/config"
	"niftybot/internal/feed"
	"niftybot/internal/market"
	"niftybot/internal/mds"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logrus.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("loading config failed")
	}
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var candleStore candles.Store
	var chainStore chains.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.WithError(err).Fatal("connecting to database failed")
		}
		defer pool.Close()
		if candleStore, err = candles.NewPG(ctx, pool); err != nil {
			logger.WithError(err).Fatal("initializing candle store failed")
		}
		if chainStore, err = chains.NewPG(ctx, pool); err != nil {
			logger.WithError(err).Fatal("initializing chain store failed")
		}
	} else {
		logger.Warn("no database configured; candles and chains are in-memory only")
		candleStore = candles.NewMemory()
		chainStore = chains.NewMemory()
	}

	client := broker.NewDhanClient(cfg.Broker.ClientID, cfg.Broker.AccessToken, cfg.Broker.BaseURL)
	if !client.HasCredentials() {
		logger.Warn("broker credentials missing; feed polling will fail until configured")
	}

	clock := market.NewSessionClock(cfg.Schedule.Timezone, cfg.Schedule.Open, cfg.Schedule.Close)
	eventBus := bus.New(logger)

	aggregator := candles.NewAggregator(eventBus, candleStore, logger)
	aggregator.Start(ctx)

	poller := feed.NewPoller(client, eventBus, chainStore, clock, cfg.Feed, logger)

	listenAddr := cfg.MDS.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	server := mds.NewServer(listenAddr, eventBus, candleStore, chainStore, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		aggregator.Stop(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("feedd terminated")
	}
	logger.Info("feedd stopped")
}
