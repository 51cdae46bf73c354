// Package quotecache holds the realtime quote per pooled stock code and
// tracks the last value emitted to subscribers so the gateway only fans out
// actual changes.
package quotecache

import (
	"sync"
	"time"

	"github.com/tickerd/tickerd/internal/market"
)

// emittedValue is the observable part of a quote, recorded at emission time.
type emittedValue struct {
	Price     float64
	ChangePct float64
}

// Cache maps stock codes to their latest quote. It is a strict subset of the
// pool: writes for codes the pool does not contain are dropped. All access
// runs under one mutex; critical sections never perform I/O.
type Cache struct {
	mu          sync.Mutex
	quotes      map[market.StockCode]market.Quote
	lastEmitted map[market.StockCode]emittedValue

	// inPool gates writes to pooled codes. Wired to pool.Contains.
	inPool func(market.StockCode) bool
	// now stamps LastUpdated; injectable for staleness tests.
	now func() int64
}

// New creates an empty cache. inPool decides whether a code may be cached;
// a nil inPool admits everything (tests).
func New(inPool func(market.StockCode) bool) *Cache {
	if inPool == nil {
		inPool = func(market.StockCode) bool { return true }
	}
	return &Cache{
		quotes:      make(map[market.StockCode]market.Quote),
		lastEmitted: make(map[market.StockCode]emittedValue),
		inPool:      inPool,
		now:         func() int64 { return time.Now().UnixNano() },
	}
}

// PutMany merges quotes into the cache. Incoming quotes without a timestamp
// are stamped now. The merge is monotonic in LastUpdated: an older reading
// never overwrites a newer one. Returns the subset actually stored.
func (c *Cache) PutMany(update map[market.StockCode]market.Quote) map[market.StockCode]market.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make(map[market.StockCode]market.Quote, len(update))
	now := c.now()
	for code, q := range update {
		if !c.inPool(code) {
			continue
		}
		if q.LastUpdated == 0 {
			q.LastUpdated = now
		}
		if cur, ok := c.quotes[code]; ok && cur.LastUpdated > q.LastUpdated {
			continue
		}
		c.quotes[code] = q
		stored[code] = q
	}
	return stored
}

// Get returns the present entries among codes.
func (c *Cache) Get(codes []market.StockCode) map[market.StockCode]market.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[market.StockCode]market.Quote, len(codes))
	for _, code := range codes {
		if q, ok := c.quotes[code]; ok {
			out[code] = q
		}
	}
	return out
}

// Lookup returns the quote for one code.
func (c *Cache) Lookup(code market.StockCode) (market.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[code]
	return q, ok
}

// Snapshot copies the whole cache.
func (c *Cache) Snapshot() map[market.StockCode]market.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[market.StockCode]market.Quote, len(c.quotes))
	for code, q := range c.quotes {
		out[code] = q
	}
	return out
}

// StaleAmong filters codes down to those missing from the cache or older
// than staleness. Schedulers use it to pick this tick's fetch set.
func (c *Cache) StaleAmong(codes []market.StockCode, staleness time.Duration) []market.StockCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now() - staleness.Nanoseconds()
	var out []market.StockCode
	for _, code := range codes {
		q, ok := c.quotes[code]
		if !ok || q.LastUpdated <= deadline {
			out = append(out, code)
		}
	}
	return out
}

// DeltaAgainstEmitted returns the subset of update whose (price, change)
// differs from what was last emitted, and records that subset as emitted.
// Entries older than the currently cached quote are skipped: when two
// batches for a code race, the one that merged second may reach its delta
// first, and the loser must not go out the wire behind it. Feeding the
// same update twice yields an empty second delta.
func (c *Cache) DeltaAgainstEmitted(update map[market.StockCode]market.Quote) map[market.StockCode]market.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	delta := make(map[market.StockCode]market.Quote, len(update))
	for code, q := range update {
		if cur, ok := c.quotes[code]; ok && cur.LastUpdated > q.LastUpdated {
			continue
		}
		prev, ok := c.lastEmitted[code]
		if ok && prev.Price == q.Price && prev.ChangePct == q.ChangePct {
			continue
		}
		delta[code] = q
		c.lastEmitted[code] = emittedValue{Price: q.Price, ChangePct: q.ChangePct}
	}
	return delta
}

// Drop removes the quote and last-emitted rows for codes. Called with the
// pool's eviction result so the cache stays a subset of the pool.
func (c *Cache) Drop(codes []market.StockCode) {
	if len(codes) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		delete(c.quotes, code)
		delete(c.lastEmitted, code)
	}
}

// Len returns the number of cached codes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quotes)
}

// Codes returns every cached code.
func (c *Cache) Codes() []market.StockCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]market.StockCode, 0, len(c.quotes))
	for code := range c.quotes {
		out = append(out, code)
	}
	return out
}
