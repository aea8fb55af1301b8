package candles

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"niftybot/internal/bus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func at(minute, second int) time.Time {
	return time.Date(2026, 8, 24, 10, minute, second, 0, time.UTC)
}

func tick(sym string, ltp float64, ts time.Time) bus.Tick {
	return bus.Tick{Symbol: sym, LTP: ltp, TS: ts}
}

func TestAggregatorBuildsMinuteCandle(t *testing.T) {
	store := NewMemory()
	b := bus.New(quietLogger())
	closed := make(chan bus.CandleClosed, 4)
	b.Subscribe(bus.TopicCandleClosed, func(p any) {
		if c, ok := p.(bus.CandleClosed); ok {
			closed <- c
		}
	})

	a := NewAggregator(b, store, quietLogger())
	ctx := context.Background()

	a.Ingest(ctx, tick("NIFTY", 100, at(0, 5)))
	a.Ingest(ctx, tick("NIFTY", 104, at(0, 20)))
	a.Ingest(ctx, tick("NIFTY", 98, at(0, 40)))
	a.Ingest(ctx, tick("NIFTY", 101, at(0, 59)))
	// Next minute closes the candle.
	a.Ingest(ctx, tick("NIFTY", 102, at(1, 2)))

	select {
	case c := <-closed:
		if c.Open != 100 || c.High != 104 || c.Low != 98 || c.Close != 101 {
			t.Errorf("candle = %+v", c)
		}
		if !c.Start.Equal(at(0, 0)) {
			t.Errorf("candle start = %v, want %v", c.Start, at(0, 0))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no CANDLE_CLOSED published")
	}

	got, err := store.Last(ctx, "NIFTY", 60, 10)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if len(got) != 1 || got[0].Close != 101 {
		t.Errorf("persisted candles = %+v", got)
	}
}

func TestAggregatorDropsOutOfOrderTicks(t *testing.T) {
	a := NewAggregator(bus.New(quietLogger()), NewMemory(), quietLogger())
	ctx := context.Background()

	a.Ingest(ctx, tick("NIFTY", 100, at(5, 0)))
	a.Ingest(ctx, tick("NIFTY", 999, at(4, 0)))

	a.mu.Lock()
	cur := *a.open["NIFTY"]
	a.mu.Unlock()
	if cur.High != 100 {
		t.Errorf("stale tick mutated candle: %+v", cur)
	}
}

func TestAggregatorFlushPersistsOpenCandles(t *testing.T) {
	store := NewMemory()
	a := NewAggregator(bus.New(quietLogger()), store, quietLogger())
	ctx := context.Background()

	a.Ingest(ctx, tick("NIFTY", 100, at(0, 10)))
	a.Ingest(ctx, tick("BANKNIFTY", 200, at(0, 20)))
	a.Flush(ctx)

	for _, sym := range []string{"NIFTY", "BANKNIFTY"} {
		got, err := store.Last(ctx, sym, 60, 10)
		if err != nil || len(got) != 1 {
			t.Errorf("%s: candles = %v, err = %v", sym, got, err)
		}
	}
	if len(a.open) != 0 {
		t.Error("open candles remain after flush")
	}
}

func TestAggregateMinutesRollsUp(t *testing.T) {
	var minutes []Candle
	// 6 one-minute candles spanning two 3m bars.
	prices := [][4]float64{
		{100, 103, 99, 102}, {102, 105, 101, 104}, {104, 104, 100, 100},
		{100, 101, 95, 96}, {96, 99, 96, 98}, {98, 102, 97, 101},
	}
	for i, p := range prices {
		minutes = append(minutes, Candle{
			Symbol: "NIFTY", TS: at(i, 0).Truncate(time.Minute),
			Open: p[0], High: p[1], Low: p[2], Close: p[3],
		})
	}

	bars := AggregateMinutes(minutes, 3)
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	first, second := bars[0], bars[1]
	if first.Open != 100 || first.High != 105 || first.Low != 99 || first.Close != 100 {
		t.Errorf("first bar = %+v", first)
	}
	if second.Open != 100 || second.High != 102 || second.Low != 95 || second.Close != 101 {
		t.Errorf("second bar = %+v", second)
	}
}

func TestMemoryStoreRejectsBadTimeframe(t *testing.T) {
	store := NewMemory()
	if _, err := store.Last(context.Background(), "NIFTY", 90, 10); err == nil {
		t.Error("timeframe 90s accepted")
	}
	if _, err := store.Last(context.Background(), "NIFTY", 0, 10); err == nil {
		t.Error("timeframe 0 accepted")
	}
}

func TestMemoryStoreUpsertReplaces(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	c := Candle{Symbol: "NIFTY", TS: at(0, 0), Open: 1, High: 2, Low: 1, Close: 2}
	if err := store.Upsert(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.Close = 5
	if err := store.Upsert(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Last(ctx, "NIFTY", 60, 10)
	if len(got) != 1 || got[0].Close != 5 {
		t.Errorf("candles = %+v", got)
	}
}
