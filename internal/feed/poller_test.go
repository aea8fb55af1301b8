package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/broker"
	"niftybot/internal/bus"
	"niftybot/internal/chains"
	"niftybot/internal/config"
	"niftybot/internal/market"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fakeDhan(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/marketfeed/ltp", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"IDX_I": map[string]any{
					"13": map[string]any{"last_price": 24123.5},
				},
			},
		})
	})
	mux.HandleFunc("/optionchain/expirylist", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{"2026-08-27", "2026-09-03"},
		})
	})
	mux.HandleFunc("/optionchain", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"oc": map[string]any{
					"24000": map[string]any{"ce": map[string]any{"last_price": 102.5}},
				},
			},
		})
	})
	return httptest.NewServer(mux)
}

func TestPollOncePublishesTicksAndSavesChains(t *testing.T) {
	srv := fakeDhan(t)
	defer srv.Close()

	client := broker.NewDhanClient("cid", "tok", srv.URL)
	b := bus.New(quietLogger())
	ticks := make(chan bus.Tick, 4)
	b.Subscribe(bus.TopicTick, func(p any) {
		if tick, ok := p.(bus.Tick); ok {
			ticks <- tick
		}
	})
	chainStore := chains.NewMemory()

	p := NewPoller(client, b, chainStore, market.Stub{Open: true}, config.FeedConfig{
		PollSeconds: 1,
		Indices: []config.IndexConfig{
			{Name: "NIFTY", Scrip: 13, Segment: "IDX_I", SecurityID: 13},
		},
	}, quietLogger())

	p.pollOnce(context.Background())

	select {
	case tick := <-ticks:
		if tick.Symbol != "NIFTY" || tick.LTP != 24123.5 {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick published")
	}

	snap, err := chainStore.Latest(context.Background(), "NIFTY", "")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap == nil {
		t.Fatal("chain snapshot not saved")
	}
	if snap.Expiry != "2026-08-27" {
		t.Errorf("expiry = %q, want nearest listed expiry", snap.Expiry)
	}
	if _, ok := snap.Chain["24000"]; !ok {
		t.Errorf("chain = %v", snap.Chain)
	}
}

func TestRunIdlesWhenMarketClosed(t *testing.T) {
	srv := fakeDhan(t)
	defer srv.Close()

	client := broker.NewDhanClient("cid", "tok", srv.URL)
	b := bus.New(quietLogger())
	ticks := make(chan bus.Tick, 4)
	b.Subscribe(bus.TopicTick, func(p any) {
		if tick, ok := p.(bus.Tick); ok {
			ticks <- tick
		}
	})

	p := NewPoller(client, b, nil, market.Stub{Open: false}, config.FeedConfig{
		PollSeconds: 1,
		Indices: []config.IndexConfig{
			{Name: "NIFTY", SecurityID: 13},
		},
	}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	select {
	case tick := <-ticks:
		t.Errorf("tick published while market closed: %+v", tick)
	default:
	}
}
