package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	xnetutil "golang.org/x/net/netutil"

	"github.com/tickerd/tickerd/internal/api"
	"github.com/tickerd/tickerd/internal/buildinfo"
	"github.com/tickerd/tickerd/internal/calendar"
	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/engine"
	"github.com/tickerd/tickerd/internal/gateway"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
	"github.com/tickerd/tickerd/internal/netutil"
	"github.com/tickerd/tickerd/internal/pool"
	"github.com/tickerd/tickerd/internal/quotecache"
	"github.com/tickerd/tickerd/internal/quotesource"
	"github.com/tickerd/tickerd/internal/scraper"
	"github.com/tickerd/tickerd/internal/state"
	"github.com/tickerd/tickerd/internal/watchlist"
)

// downloadTimeout is the per-request budget of the upstream quote sources.
const downloadTimeout = 10 * time.Second

type tickerdApp struct {
	cfg   *config.Config
	store *state.Store
	cal   *calendar.Calendar

	pool  *pool.Pool
	cache *quotecache.Cache

	bus   *scraper.RedisBus
	coord *scraper.Coordinator

	hub    *gateway.Hub
	eng    *engine.Engine
	apiSrv *api.Server

	httpSrv *http.Server
	httpLn  net.Listener
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	log.Printf("[main] state store open at %s", cfg.Database.Path)

	app, err := newTickerdApp(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}

	serverErrCh := app.start()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := store.Close(); err != nil {
		log.Printf("[main] state close: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newTickerdApp(cfg *config.Config, store *state.Store) (*tickerdApp, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	app := &tickerdApp{cfg: cfg, store: store}
	app.pool = pool.New()
	app.cache = quotecache.New(app.pool.Contains)
	app.cal = calendar.New(store, loc)

	m := metrics.NewCollector()
	watch := watchlist.NewStore(cfg.Watchlist.Path)

	direct := netutil.NewDirectDownloader(
		func() time.Duration { return downloadTimeout },
		func() string { return "tickerd/" + buildinfo.Version },
	)
	fast := quotesource.NewFastClient(cfg.DataSources.Fast, direct)
	slow := quotesource.NewSlowClient(cfg.DataSources.Slow, direct)

	// The scrape path degrades when the bus is unreachable: scrape-routed
	// codes stay stale, fast and slow keep running.
	bus, err := scraper.NewRedisBus(cfg.Queues.Redis)
	if err != nil {
		log.Printf("[main] redis bus unavailable, scrape source disabled: %v", err)
	} else {
		app.bus = bus
		// apply fires after engine construction; Start ordering guarantees
		// app.eng is set before the first reply arrives.
		app.coord = scraper.NewCoordinator(bus, cfg.DataSources.Scrape, func(quotes map[market.StockCode]market.Quote) {
			app.eng.ApplyAndEmit(quotes)
		}, m)
	}

	// Hub and engine reference each other (emission one way, refresh the
	// other), so the hub gets a closure resolved after engine construction.
	app.hub = gateway.NewHub(func(dashboards []string) {
		app.eng.RefreshDashboards(dashboards)
	}, m)

	deps := engine.Deps{
		Config:    cfg,
		Pool:      app.pool,
		Cache:     app.cache,
		Calendar:  app.cal,
		Fast:      fast,
		Slow:      slow,
		Emitter:   app.hub,
		Watchlist: watch,
		Store:     store,
		Metrics:   m,
	}
	if app.coord != nil {
		deps.Scrape = app.coord
	}
	app.eng = engine.New(deps)

	app.apiSrv = api.NewServer(api.Deps{
		Config:   cfg.API,
		Interest: app.eng,
		Pool:     app.pool,
		Cache:    app.cache,
		Watch:    watch,
		Store:    store,
		Calendar: app.cal,
		Realtime: app.hub,
		Metrics:  m,
	})
	return app, nil
}

// start launches the coordinator, the engine, and the HTTP server. The
// returned channel carries a fatal server error.
func (a *tickerdApp) start() <-chan error {
	errCh := make(chan error, 1)

	if a.coord != nil {
		a.coord.Start()
	}
	a.eng.Start()

	if a.bus != nil {
		bus := a.bus
		a.eng.RegisterDailyJob(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bus.ClearProcessed(ctx); err != nil {
				log.Printf("[main] processed-set sweep: %v", err)
			}
		})
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		errCh <- fmt.Errorf("listen %s: %w", addr, err)
		return errCh
	}
	a.httpLn = xnetutil.LimitListener(ln, a.cfg.API.MaxConns)
	a.httpSrv = &http.Server{
		Handler:           a.apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[main] tickerd %s serving on %s", buildinfo.Version, addr)
		if err := a.httpSrv.Serve(a.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// waitForShutdown blocks until a termination signal or a fatal server error.
func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("[main] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// shutdown stops the components in dependency order: stop accepting HTTP,
// stop the engine loops, close the scraper side, then the gateway sessions.
func (a *tickerdApp) shutdown(ctx context.Context) {
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			log.Printf("[main] http shutdown: %v", err)
		}
	}

	a.eng.Stop()

	if a.coord != nil {
		a.coord.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Printf("[main] bus close: %v", err)
		}
	}

	a.hub.Close()
	a.apiSrv.Close()
	a.cal.Close()
	log.Printf("[main] shutdown complete")
}
