package quotecache

import (
	"testing"
	"time"

	"github.com/tickerd/tickerd/internal/market"
)

func TestPutMany_StampsAndStores(t *testing.T) {
	c := New(nil)
	c.now = func() int64 { return 100 }

	stored := c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 10.10, ChangePct: 1.00},
	})
	if len(stored) != 1 {
		t.Fatalf("stored = %v, want one entry", stored)
	}

	q, ok := c.Lookup("000001")
	if !ok {
		t.Fatal("quote missing after put")
	}
	if q.LastUpdated != 100 {
		t.Fatalf("LastUpdated = %d, want stamped 100", q.LastUpdated)
	}
}

func TestPutMany_DropsNonPooledCodes(t *testing.T) {
	c := New(func(code market.StockCode) bool { return code == "000001" })

	stored := c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 10},
		"600519": {Price: 1800},
	})
	if len(stored) != 1 {
		t.Fatalf("stored = %v, want only the pooled code", stored)
	}
	if _, ok := c.Lookup("600519"); ok {
		t.Fatal("non-pooled code must not be cached")
	}
}

func TestPutMany_MonotonicMerge(t *testing.T) {
	c := New(nil)

	c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 10.20, LastUpdated: 200},
	})
	// An older reading arrives late and must lose.
	stored := c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 10.00, LastUpdated: 100},
	})
	if len(stored) != 0 {
		t.Fatalf("stored = %v, want older reading rejected", stored)
	}

	q, _ := c.Lookup("000001")
	if q.Price != 10.20 || q.LastUpdated != 200 {
		t.Fatalf("quote = %+v, want the newer reading kept", q)
	}
}

func TestDeltaAgainstEmitted_SuppressesRepeats(t *testing.T) {
	c := New(nil)
	update := map[market.StockCode]market.Quote{
		"000001": {Price: 10.10, ChangePct: 1.00},
	}

	first := c.DeltaAgainstEmitted(update)
	if len(first) != 1 {
		t.Fatalf("first delta = %v, want the new value", first)
	}
	second := c.DeltaAgainstEmitted(update)
	if len(second) != 0 {
		t.Fatalf("second delta = %v, want empty: value unchanged", second)
	}

	moved := c.DeltaAgainstEmitted(map[market.StockCode]market.Quote{
		"000001": {Price: 10.20, ChangePct: 2.00},
	})
	if len(moved) != 1 {
		t.Fatalf("delta after move = %v, want one entry", moved)
	}
}

func TestDeltaAgainstEmitted_StaleBatchLandsAfterNewer(t *testing.T) {
	c := New(nil)

	// Two concurrent fetches for the same code merge in order, but the
	// older batch reaches the delta step last.
	storedOld := c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 10.00, ChangePct: 1.00, LastUpdated: 100},
	})
	storedNew := c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 11.00, ChangePct: 2.00, LastUpdated: 200},
	})

	if d := c.DeltaAgainstEmitted(storedNew); len(d) != 1 || d["000001"].Price != 11.00 {
		t.Fatalf("newer delta = %v, want the 11.00 reading", d)
	}
	if d := c.DeltaAgainstEmitted(storedOld); len(d) != 0 {
		t.Fatalf("stale delta = %v, want suppressed: a newer reading already went out", d)
	}
	// The emission record still holds the newer value.
	if d := c.DeltaAgainstEmitted(storedNew); len(d) != 0 {
		t.Fatalf("delta after stale batch = %v, want unchanged", d)
	}
}

func TestStaleAmong(t *testing.T) {
	c := New(nil)
	base := time.Now().UnixNano()
	c.now = func() int64 { return base }

	c.PutMany(map[market.StockCode]market.Quote{"000001": {Price: 10}})

	probe := []market.StockCode{"000001", "600519"}
	if got := c.StaleAmong(probe, time.Minute); len(got) != 1 || got[0] != "600519" {
		t.Fatalf("StaleAmong fresh = %v, want only the missing code", got)
	}

	c.now = func() int64 { return base + (2 * time.Minute).Nanoseconds() }
	if got := c.StaleAmong(probe, time.Minute); len(got) != 2 {
		t.Fatalf("StaleAmong aged = %v, want both codes", got)
	}
}

func TestDrop_RemovesQuoteAndEmissionState(t *testing.T) {
	c := New(nil)
	stored := c.PutMany(map[market.StockCode]market.Quote{"000001": {Price: 10.10, ChangePct: 1.00}})
	c.DeltaAgainstEmitted(stored)

	c.Drop([]market.StockCode{"000001"})

	if _, ok := c.Lookup("000001"); ok {
		t.Fatal("quote survived Drop")
	}
	// Re-pooling the code must emit again even with the same value.
	if delta := c.DeltaAgainstEmitted(stored); len(delta) != 1 {
		t.Fatalf("delta after drop = %v, want re-emission", delta)
	}
}

func TestGetAndSnapshot(t *testing.T) {
	c := New(nil)
	c.PutMany(map[market.StockCode]market.Quote{
		"000001": {Price: 10},
		"600519": {Price: 1800},
	})

	got := c.Get([]market.StockCode{"000001", "300750"})
	if len(got) != 1 {
		t.Fatalf("Get = %v, want only present codes", got)
	}
	if snap := c.Snapshot(); len(snap) != 2 {
		t.Fatalf("Snapshot = %v, want both codes", snap)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}
