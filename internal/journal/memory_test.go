package journal

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryRecordAssignsMonotonicIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := m.Record(ctx, "BUY", 1, 100, StatusSimulated, nil)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if id <= prev {
			t.Errorf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestMemoryMarkTimedOut(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, _ := m.Record(ctx, "BUY", 1, 100, StatusSent, nil)
	if err := m.MarkTimedOut(ctx, id); err != nil {
		t.Fatalf("MarkTimedOut: %v", err)
	}
	if got := m.CountByStatus(StatusTimedOut); got != 1 {
		t.Errorf("timed_out rows = %d, want 1", got)
	}
	if err := m.MarkTimedOut(ctx, 9999); err == nil {
		t.Error("expected error for unknown row")
	}
}

func TestMemoryRecentTradesNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := m.Record(ctx, "SELL", i, 0, StatusCreated, nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rows, err := m.RecentTrades(ctx, 3)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}
	if rows[0].ID < rows[1].ID || rows[1].ID < rows[2].ID {
		t.Errorf("rows not newest first: %v %v %v", rows[0].ID, rows[1].ID, rows[2].ID)
	}
}

func TestMemoryInfoIsCopied(t *testing.T) {
	m := NewMemory()
	info := map[string]any{"security_id": "SEC1"}
	if _, err := m.Record(context.Background(), "BUY", 1, 100, StatusSent, info); err != nil {
		t.Fatalf("Record: %v", err)
	}
	info["security_id"] = "mutated"

	rows := m.All()
	if rows[0].Info["security_id"] != "SEC1" {
		t.Error("caller mutation leaked into the journal")
	}
}

func TestMemoryConcurrentRecord(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Record(context.Background(), "BUY", 1, 0, StatusSimulated, nil); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	rows := m.All()
	if len(rows) != 32 {
		t.Fatalf("rows = %d, want 32", len(rows))
	}
	seen := make(map[int64]bool)
	for _, r := range rows {
		if seen[r.ID] {
			t.Errorf("duplicate id %d", r.ID)
		}
		seen[r.ID] = true
	}
}
