package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tickerd/tickerd/internal/calendar"
	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
	"github.com/tickerd/tickerd/internal/pool"
	"github.com/tickerd/tickerd/internal/quotecache"
	"github.com/tickerd/tickerd/internal/quotesource"
	"github.com/tickerd/tickerd/internal/state"
)

// fetcherFunc adapts a closure to the Fetcher interface and records calls.
type fetcherFunc struct {
	mu    sync.Mutex
	calls [][]market.StockCode
	fn    func(codes []market.StockCode) map[market.StockCode]market.Quote

	fetched chan struct{}
}

func newFetcher(fn func(codes []market.StockCode) map[market.StockCode]market.Quote) *fetcherFunc {
	return &fetcherFunc{fn: fn, fetched: make(chan struct{}, 16)}
}

func (f *fetcherFunc) Fetch(_ context.Context, codes []market.StockCode) quotesource.FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, append([]market.StockCode(nil), codes...))
	f.mu.Unlock()
	quotes := f.fn(codes)
	select {
	case f.fetched <- struct{}{}:
	default:
	}
	return quotesource.FetchResult{Quotes: quotes}
}

func (f *fetcherFunc) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fetcherFunc) lastCall() []market.StockCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// recordingEmitter captures every fan-out.
type recordingEmitter struct {
	mu        sync.Mutex
	emissions []map[market.StockCode]market.Quote
}

func (e *recordingEmitter) EmitRealtime(quotes map[market.StockCode]market.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := make(map[market.StockCode]market.Quote, len(quotes))
	for code, q := range quotes {
		copied[code] = q
	}
	e.emissions = append(e.emissions, copied)
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.emissions)
}

func (e *recordingEmitter) last() map[market.StockCode]market.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.emissions) == 0 {
		return nil
	}
	return e.emissions[len(e.emissions)-1]
}

// tradingDays marks fixed dates as trading days for the test calendar.
type tradingDays map[string]bool

func (d tradingDays) IsTradingDay(date string) (bool, error) { return d[date], nil }
func (d tradingDays) NearestPriorTradingDay(date string) (string, error) {
	best := ""
	for day := range d {
		if day <= date && day > best {
			best = day
		}
	}
	if best == "" {
		return "", state.ErrNotFound
	}
	return best, nil
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Market.Timezone = "UTC"
	cfg.DataSources.Fast.UpdateInterval = config.UpdateInterval{
		TradingTime:    config.Duration(time.Hour),
		NonTradingTime: config.Duration(time.Hour),
	}
	return cfg
}

type testRig struct {
	eng     *Engine
	pool    *pool.Pool
	cache   *quotecache.Cache
	fast    *fetcherFunc
	emitter *recordingEmitter
}

func newTestRig(t *testing.T, cfg *config.Config, fast *fetcherFunc, days tradingDays) *testRig {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	p := pool.New()
	cache := quotecache.New(p.Contains)
	cal := calendar.New(days, time.UTC)
	t.Cleanup(cal.Close)

	emitter := &recordingEmitter{}
	eng := New(Deps{
		Config:   cfg,
		Pool:     p,
		Cache:    cache,
		Calendar: cal,
		Fast:     fast,
		Slow:     newFetcher(func([]market.StockCode) map[market.StockCode]market.Quote { return nil }),
		Emitter:  emitter,
		Metrics:  metrics.NewCollector(),
	})
	return &testRig{eng: eng, pool: p, cache: cache, fast: fast, emitter: emitter}
}

// fastRuntime picks the fast source's scheduler runtime.
func (r *testRig) fastRuntime(t *testing.T) sourceRuntime {
	t.Helper()
	for _, rt := range r.eng.sourceRuntimes() {
		if rt.source == market.SourceFast {
			return rt
		}
	}
	t.Fatal("no fast runtime")
	return sourceRuntime{}
}

func TestSingleCodeFastPath(t *testing.T) {
	fast := newFetcher(func(codes []market.StockCode) map[market.StockCode]market.Quote {
		// Upstream {p: 10.10, yc: 10.00} normalizes to a 1.00% change.
		out := make(map[market.StockCode]market.Quote, len(codes))
		for _, code := range codes {
			out[code] = market.Quote{Price: 10.10, ChangePct: 1.00}
		}
		return out
	})
	rig := newTestRig(t, nil, fast, nil)

	rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
	rig.pool.Apply()
	rig.eng.runTick(rig.fastRuntime(t))

	q, ok := rig.cache.Lookup("000001")
	if !ok || q.Price != 10.10 || q.ChangePct != 1.00 {
		t.Fatalf("cached quote = %+v (present=%v), want 10.10/1.00", q, ok)
	}
	if rig.emitter.count() != 1 {
		t.Fatalf("emissions = %d, want 1", rig.emitter.count())
	}
	got := rig.emitter.last()["000001"]
	if got.Price != 10.10 || got.ChangePct != 1.00 {
		t.Fatalf("emitted = %+v", got)
	}
}

func TestRepeatedValueSuppressesEmission(t *testing.T) {
	quotes := map[market.StockCode]market.Quote{
		"000001": {Price: 10.10, ChangePct: 1.00},
	}
	fast := newFetcher(func([]market.StockCode) map[market.StockCode]market.Quote { return quotes })
	rig := newTestRig(t, nil, fast, nil)

	rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
	rig.pool.Apply()
	rig.eng.runTick(rig.fastRuntime(t))
	if rig.emitter.count() != 1 {
		t.Fatalf("emissions after first tick = %d, want 1", rig.emitter.count())
	}

	// The same upstream value lands again (refresh path): no second emission.
	rig.eng.ApplyAndEmit(quotes)
	if rig.emitter.count() != 1 {
		t.Fatalf("emissions after repeat = %d, want still 1", rig.emitter.count())
	}

	// A moved value emits again.
	rig.eng.ApplyAndEmit(map[market.StockCode]market.Quote{
		"000001": {Price: 10.20, ChangePct: 2.00},
	})
	if rig.emitter.count() != 2 {
		t.Fatalf("emissions after move = %d, want 2", rig.emitter.count())
	}
}

func TestPoolTTLEvictionDropsCache(t *testing.T) {
	cfg := testConfig()
	cfg.Market.PoolTTL = config.Duration(time.Millisecond)

	fast := newFetcher(func([]market.StockCode) map[market.StockCode]market.Quote { return nil })
	rig := newTestRig(t, cfg, fast, nil)

	rig.eng.Enqueue(market.CallerStrategy, []market.StockCode{"600519"})
	rig.pool.Apply()
	rig.eng.ApplyAndEmit(map[market.StockCode]market.Quote{
		"600519": {Price: 1800, ChangePct: 0.5},
	})
	if _, ok := rig.cache.Lookup("600519"); !ok {
		t.Fatal("cache not populated")
	}

	// Let the TTL lapse with no further touch.
	time.Sleep(5 * time.Millisecond)
	rig.eng.maintainPool()

	if rig.pool.Contains("600519") {
		t.Fatal("pool still contains the expired code")
	}
	if _, ok := rig.cache.Lookup("600519"); ok {
		t.Fatal("cache still contains the evicted code")
	}
}

func TestSourceLoopGatesOutsideSessions(t *testing.T) {
	// 2026-08-24 is a Monday and a listed trading day.
	days := tradingDays{"2026-08-24": true}

	cases := []struct {
		name string
		hour int
	}{
		{"pre-open", 9},
		{"lunch break", 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fast := newFetcher(func([]market.StockCode) map[market.StockCode]market.Quote { return nil })
			rig := newTestRig(t, nil, fast, days)
			rig.eng.now = func() time.Time {
				return time.Date(2026, 8, 24, tc.hour, 0, 0, 0, time.UTC)
			}
			rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
			rig.pool.Apply()

			rt := rig.fastRuntime(t)
			done := make(chan struct{})
			go func() {
				defer close(done)
				rig.eng.sourceLoop(rt)
			}()

			// The loop must be parked on the gate, not fetching.
			time.Sleep(50 * time.Millisecond)
			if n := fast.callCount(); n != 0 {
				t.Fatalf("fetches during gate = %d, want 0", n)
			}

			close(rig.eng.stopCh)
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("gated loop did not stop")
			}
		})
	}
}

func TestSourceLoopFetchesDuringSession(t *testing.T) {
	days := tradingDays{"2026-08-24": true}
	fast := newFetcher(func(codes []market.StockCode) map[market.StockCode]market.Quote {
		out := make(map[market.StockCode]market.Quote, len(codes))
		for _, code := range codes {
			out[code] = market.Quote{Price: 10, ChangePct: 0}
		}
		return out
	})
	rig := newTestRig(t, nil, fast, days)
	rig.eng.now = func() time.Time {
		return time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	}
	rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
	rig.pool.Apply()

	rt := rig.fastRuntime(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.eng.sourceLoop(rt)
	}()

	select {
	case <-fast.fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch during a trading minute")
	}

	close(rig.eng.stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRefreshDashboards_FetchesOnlyRequestedTag(t *testing.T) {
	fast := newFetcher(func(codes []market.StockCode) map[market.StockCode]market.Quote {
		out := make(map[market.StockCode]market.Quote, len(codes))
		for _, code := range codes {
			out[code] = market.Quote{Price: 11, ChangePct: 1}
		}
		return out
	})
	rig := newTestRig(t, nil, fast, nil)

	rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
	rig.eng.Enqueue(market.CallerStrategy, []market.StockCode{"600519"})
	rig.pool.Apply()

	rig.eng.RefreshDashboards([]string{"watchlist_dashboard"})
	select {
	case <-fast.fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never fetched")
	}
	rig.eng.wg.Wait()

	codes := rig.fast.lastCall()
	if len(codes) != 1 || codes[0] != "000001" {
		t.Fatalf("refresh fetched %v, want only the watchlist code", codes)
	}
	emitted := rig.emitter.last()
	if len(emitted) != 1 {
		t.Fatalf("emitted %v, want at most 000001", emitted)
	}
	if _, ok := emitted["000001"]; !ok {
		t.Fatalf("emitted %v, want 000001", emitted)
	}
}

func TestRefreshDashboards_DroppedAfterStop(t *testing.T) {
	fast := newFetcher(func([]market.StockCode) map[market.StockCode]market.Quote { return nil })
	rig := newTestRig(t, nil, fast, nil)

	rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
	rig.pool.Apply()

	rig.eng.Stop()
	rig.eng.RefreshDashboards([]string{"watchlist_dashboard"})
	rig.eng.wg.Wait()

	if fast.callCount() != 0 {
		t.Fatalf("fetch calls after Stop = %d, want refresh dropped", fast.callCount())
	}
}

func TestRefreshDashboards_NoFastClient(t *testing.T) {
	p := pool.New()
	cal := calendar.New(tradingDays{}, time.UTC)
	t.Cleanup(cal.Close)

	eng := New(Deps{
		Config:   testConfig(),
		Pool:     p,
		Cache:    quotecache.New(p.Contains),
		Calendar: cal,
		Emitter:  &recordingEmitter{},
		Metrics:  metrics.NewCollector(),
	})
	eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001"})
	p.Apply()

	// No fast client configured: the refresh is a no-op, not a panic.
	eng.RefreshDashboards([]string{"all"})
}

func TestRunTickCapsBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.DataSources.Fast.BatchSize = 2

	fast := newFetcher(func(codes []market.StockCode) map[market.StockCode]market.Quote {
		out := make(map[market.StockCode]market.Quote, len(codes))
		for _, code := range codes {
			out[code] = market.Quote{Price: 10, ChangePct: 0}
		}
		return out
	})
	rig := newTestRig(t, cfg, fast, nil)

	rig.eng.Enqueue(market.CallerWatchlist, []market.StockCode{"000001", "000002", "000003"})
	rig.pool.Apply()
	rig.eng.runTick(rig.fastRuntime(t))

	if got := rig.fast.lastCall(); len(got) != 2 {
		t.Fatalf("tick fetched %d codes, want the batch-size cap of 2", len(got))
	}
	// The remainder is still stale and leads the next tick.
	rig.eng.runTick(rig.fastRuntime(t))
	if got := rig.fast.lastCall(); len(got) != 1 {
		t.Fatalf("second tick fetched %v, want the leftover code", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	fast := newFetcher(func([]market.StockCode) map[market.StockCode]market.Quote { return nil })
	rig := newTestRig(t, nil, fast, nil)

	rig.eng.Start()
	rig.eng.Start() // second Start is a no-op
	rig.eng.Stop()
	rig.eng.Stop() // second Stop is a no-op
}
