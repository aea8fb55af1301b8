package exec

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niftybot/internal/positions"
)

func TestPendingTableLifecycle(t *testing.T) {
	table := NewPendingTable()
	require.Equal(t, 0, table.Len())

	po := PendingOrder{
		PosID: "pos_1", DBID: 7, PlacedTS: time.Now(),
		Qty: 75, Side: positions.SideBuy, Price: 100,
	}
	table.Put(po)

	got, ok := table.Get("pos_1")
	require.True(t, ok)
	assert.Equal(t, int64(7), got.DBID)

	// Put replaces in place.
	po.Price = 101
	table.Put(po)
	got, _ = table.Get("pos_1")
	assert.Equal(t, 101.0, got.Price)

	assert.True(t, table.Delete("pos_1"))
	assert.False(t, table.Delete("pos_1"))
	_, ok = table.Get("pos_1")
	assert.False(t, ok)
}

func TestPendingTableSnapshotIsCopy(t *testing.T) {
	table := NewPendingTable()
	table.Put(PendingOrder{PosID: "a", Qty: 1})
	table.Put(PendingOrder{PosID: "b", Qty: 2})

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	snap[0].Qty = 99

	for _, id := range []string{"a", "b"} {
		got, ok := table.Get(id)
		require.True(t, ok)
		assert.NotEqual(t, 99, got.Qty)
	}
}

func TestPendingTableConcurrentAccess(t *testing.T) {
	table := NewPendingTable()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			table.Put(PendingOrder{PosID: id, Qty: i})
			table.Get(id)
			table.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, table.Len())
}
