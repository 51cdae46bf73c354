// Package engine runs the realtime update loops: pool maintenance, one
// fetch scheduler per source, dashboard refresh handling, bootstrap
// resync, and the daily cron jobs. It owns no HTTP surface; the gateway
// and API talk to it through narrow methods.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tickerd/tickerd/internal/calendar"
	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
	"github.com/tickerd/tickerd/internal/pool"
	"github.com/tickerd/tickerd/internal/quotecache"
	"github.com/tickerd/tickerd/internal/quotesource"
	"github.com/tickerd/tickerd/internal/scanloop"
	"github.com/tickerd/tickerd/internal/scraper"
	"github.com/tickerd/tickerd/internal/watchlist"
)

// Cron schedules, exchange-local time: pre-open bootstrap resync and
// post-close scraper processed-set cleanup, weekdays only.
const (
	cronPreOpenResync  = "5 9 * * 1-5"
	cronProcessedSweep = "0 16 * * 1-5"
)

// Fetcher is the blocking dispatch surface of the fast and slow clients.
type Fetcher interface {
	Fetch(ctx context.Context, codes []market.StockCode) quotesource.FetchResult
}

// Emitter fans a quote delta out to subscribers. The gateway hub
// implements it; engine tests use a recording fake.
type Emitter interface {
	EmitRealtime(quotes map[market.StockCode]market.Quote)
}

// ScrapeDispatcher is the non-blocking hand-off to the scraper
// coordinator.
type ScrapeDispatcher interface {
	Request(codes []market.StockCode, priority scraper.Priority) (string, error)
}

// BootstrapStore supplies the persisted code lists re-synced into the pool
// at start and pre-open. *state.Store implements it.
type BootstrapStore interface {
	LatestStrategyCodes() ([]market.StockCode, error)
	LatestLimitupCodes() ([]market.StockCode, error)
}

// Deps wires the engine's collaborators.
type Deps struct {
	Config    *config.Config
	Pool      *pool.Pool
	Cache     *quotecache.Cache
	Calendar  *calendar.Calendar
	Fast      Fetcher
	Slow      Fetcher
	Scrape    ScrapeDispatcher // nil disables the scrape source
	Emitter   Emitter
	Watchlist *watchlist.Store // nil disables watch-list sync
	Store     BootstrapStore   // nil disables strategy/limitup bootstrap
	Metrics   *metrics.Collector
}

// Engine is the long-lived realtime update service. Lifecycle is
// New -> Start -> Stop; Start and Stop are both idempotent.
type Engine struct {
	cfg   *config.Config
	pool  *pool.Pool
	cache *quotecache.Cache
	cal   *calendar.Calendar

	fast    Fetcher
	slow    Fetcher
	scrape  ScrapeDispatcher
	emitter Emitter
	watch   *watchlist.Store
	store   BootstrapStore
	metrics *metrics.Collector

	cron *cron.Cron

	fetchCtx    context.Context
	cancelFetch context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds an Engine from its dependencies.
func New(d Deps) *Engine {
	fetchCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         d.Config,
		pool:        d.Pool,
		cache:       d.Cache,
		cal:         d.Calendar,
		fast:        d.Fast,
		slow:        d.Slow,
		scrape:      d.Scrape,
		emitter:     d.Emitter,
		watch:       d.Watchlist,
		store:       d.Store,
		metrics:     d.Metrics,
		cron:        cron.New(cron.WithLocation(d.Calendar.Location())),
		fetchCtx:    fetchCtx,
		cancelFetch: cancel,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start performs the initial bootstrap sync and launches the maintenance
// loop, the per-source scheduler loops, and the cron jobs. Calling Start
// twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.bootstrapSync()
	// Make the seeded interest visible before the first scheduler tick.
	e.pool.Apply()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		scanloop.RunEvery(e.stopCh, e.cfg.Market.EvictInterval.Std(), e.maintainPool)
	}()

	for _, rt := range e.sourceRuntimes() {
		rt := rt
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sourceLoop(rt)
		}()
	}

	if _, err := e.cron.AddFunc(cronPreOpenResync, e.bootstrapSync); err != nil {
		log.Printf("[engine] cron resync registration: %v", err)
	}
	e.cron.Start()

	log.Printf("[engine] started with %d pooled codes", e.pool.Len())
}

// RegisterDailyJob adds an extra cron job on the post-close schedule
// (processed-set cleanup lives here; the bus is owned by the caller).
func (e *Engine) RegisterDailyJob(job func()) {
	if _, err := e.cron.AddFunc(cronProcessedSweep, job); err != nil {
		log.Printf("[engine] cron daily job registration: %v", err)
	}
}

// Stop halts every loop and waits for them to exit. Outstanding fetches
// are canceled. Calling Stop twice, or before Start, is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	wasStarted := e.started
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	e.cancelFetch()
	if wasStarted {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
	e.wg.Wait()
	log.Printf("[engine] stopped")
}

// Enqueue forwards an interest update to the pool. This is the only
// mutation path handlers get.
func (e *Engine) Enqueue(caller market.CallerTag, codes []market.StockCode) {
	e.pool.Enqueue(caller, codes)
}

// ApplyAndEmit lands a fetched batch: monotonic cache merge, delta against
// the last emission, fan-out of the delta. Shared by the scheduler loops,
// the refresh path, and the scraper coordinator callback.
func (e *Engine) ApplyAndEmit(quotes map[market.StockCode]market.Quote) {
	if len(quotes) == 0 {
		return
	}
	stored := e.cache.PutMany(quotes)
	delta := e.cache.DeltaAgainstEmitted(stored)
	if len(delta) == 0 {
		return
	}
	e.emitter.EmitRealtime(delta)
}

// maintainPool is one tick of the pool-maintenance loop: drain the ingress
// queue, evict expired entries, drop their quotes, and notice external
// watch-list edits.
func (e *Engine) maintainPool() {
	e.pool.Apply()

	evicted := e.pool.Evict(e.cfg.Market.PoolTTL.Std())
	if len(evicted) > 0 {
		e.cache.Drop(evicted)
		e.metrics.RecordEvictions(len(evicted))
	}

	e.syncWatchlistChanges()
}

// syncWatchlistChanges re-enqueues the watch-list file's codes when its
// content hash moved (an edit made outside the API).
func (e *Engine) syncWatchlistChanges() {
	if e.watch == nil {
		return
	}
	changed, codes, err := e.watch.ChangedExternally()
	if err != nil {
		log.Printf("[engine] watch-list change check: %v", err)
		return
	}
	if changed && len(codes) > 0 {
		log.Printf("[engine] watch-list file changed externally, re-syncing %d codes", len(codes))
		e.pool.Enqueue(market.CallerWatchlist, codes)
	}
}

// sourceRuntime binds one source's scheduling parameters to its dispatch.
type sourceRuntime struct {
	source    market.Source
	staleness time.Duration
	interval  config.UpdateInterval
	batchSize int

	// dispatch runs the fetch for this tick. Blocking for fast/slow;
	// hand-off for scrape. The returned map is what landed synchronously.
	dispatch func(ctx context.Context, codes []market.StockCode) map[market.StockCode]market.Quote
}

func (e *Engine) sourceRuntimes() []sourceRuntime {
	var runtimes []sourceRuntime

	if e.fast != nil {
		cfg := e.cfg.DataSources.Fast
		runtimes = append(runtimes, sourceRuntime{
			source:    market.SourceFast,
			staleness: cfg.Staleness.Std(),
			interval:  cfg.UpdateInterval,
			batchSize: cfg.BatchSize,
			dispatch: func(ctx context.Context, codes []market.StockCode) map[market.StockCode]market.Quote {
				res := e.fast.Fetch(ctx, codes)
				e.metrics.RecordFetch("fast", len(codes), len(res.Quotes))
				return res.Quotes
			},
		})
	}

	if e.slow != nil {
		cfg := e.cfg.DataSources.Slow
		runtimes = append(runtimes, sourceRuntime{
			source:    market.SourceSlow,
			staleness: cfg.Staleness.Std(),
			interval:  cfg.UpdateInterval,
			batchSize: cfg.BatchSize,
			dispatch: func(ctx context.Context, codes []market.StockCode) map[market.StockCode]market.Quote {
				res := e.slow.Fetch(ctx, codes)
				e.metrics.RecordFetch("slow", len(codes), len(res.Quotes))
				return res.Quotes
			},
		})
	}

	if e.scrape != nil {
		cfg := e.cfg.DataSources.Scrape
		runtimes = append(runtimes, sourceRuntime{
			source:    market.SourceScrape,
			staleness: cfg.Staleness.Std(),
			interval:  cfg.UpdateInterval,
			dispatch: func(_ context.Context, codes []market.StockCode) map[market.StockCode]market.Quote {
				// Hand off to the coordinator; batches land later through
				// ApplyAndEmit.
				if _, err := e.scrape.Request(codes, scraper.PriorityLow); err != nil {
					log.Printf("[scrape] dispatch of %d codes: %v", len(codes), err)
				}
				return nil
			},
		})
	}

	return runtimes
}

// sourceLoop is the per-source scheduler: gate on trading hours, pick the
// stale slice of this source's snapshot, dispatch, land the result, then
// sleep the configured interval.
func (e *Engine) sourceLoop(rt sourceRuntime) {
	log.Printf("[engine] %s loop started", rt.source)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		now := e.now()
		if gate := e.cal.NextGate(now); !gate.IsZero() {
			log.Printf("[engine] %s loop gated until %s", rt.source, gate.Format("15:04"))
			if !scanloop.Sleep(e.stopCh, gate.Sub(now)) {
				return
			}
			continue
		}

		e.runTick(rt)

		interval := rt.interval.NonTradingTime.Std()
		if e.cal.IsTradingMinute(e.now()) {
			interval = rt.interval.TradingTime.Std()
		}
		if !scanloop.Sleep(e.stopCh, interval) {
			return
		}
	}
}

// runTick executes one scheduler tick for a source. A panic in a dispatch
// or adapter is recovered so the loop survives.
func (e *Engine) runTick(rt sourceRuntime) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[engine] %s tick panic recovered: %v", rt.source, r)
		}
	}()

	snapshot := e.pool.SnapshotFor(rt.source)
	if len(snapshot) == 0 {
		return
	}

	expired := e.cache.StaleAmong(snapshot, rt.staleness)
	if len(expired) == 0 {
		return
	}
	// Cap the tick so a retry storm cannot starve other codes; the
	// leftover stays stale and leads the next tick.
	if rt.batchSize > 0 && len(expired) > rt.batchSize {
		expired = expired[:rt.batchSize]
	}

	quotes := rt.dispatch(e.fetchCtx, expired)
	e.ApplyAndEmit(quotes)
}
