package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/maypok86/otter"
	"github.com/tickerd/tickerd/internal/calendar"
	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
	"github.com/tickerd/tickerd/internal/pool"
	"github.com/tickerd/tickerd/internal/quotecache"
	"github.com/tickerd/tickerd/internal/state"
	"github.com/tickerd/tickerd/internal/watchlist"
)

// Interest is the only pool mutation path handlers get.
type Interest interface {
	Enqueue(caller market.CallerTag, codes []market.StockCode)
}

// HistoryStore supplies the persisted dashboard joins. *state.Store
// implements it.
type HistoryStore interface {
	StrategyRows(date string) ([]state.StrategyRow, error)
	LimitupUnfilledRows(date string) ([]state.LimitupUnfilledRow, error)
	DailyRows(codes []market.StockCode, dates []string) ([]state.DailyRow, error)
	PopularityRows(codes []market.StockCode, date string) (map[market.StockCode]int, error)
	TurnoverRows(codes []market.StockCode, date string) (map[market.StockCode]int, error)
}

// Deps wires the server's collaborators.
type Deps struct {
	Config   config.APIConfig
	Interest Interest
	Pool     *pool.Pool
	Cache    *quotecache.Cache
	Watch    *watchlist.Store
	Store    HistoryStore
	Calendar *calendar.Calendar
	Realtime http.Handler // websocket upgrade endpoint; nil disables it
	Metrics  *metrics.Collector
}

// Server serves the HTTP API.
type Server struct {
	cfg      config.APIConfig
	interest Interest
	pool     *pool.Pool
	cache    *quotecache.Cache
	watch    *watchlist.Store
	store    HistoryStore
	cal      *calendar.Calendar
	realtime http.Handler
	metrics  *metrics.Collector

	// respCache holds rendered dashboard bodies keyed by route+date so a
	// dashboard full of polling clients costs one store round-trip per TTL.
	respCache otter.Cache[string, []byte]

	startedAt time.Time
	now       func() time.Time
}

// NewServer builds a Server from its dependencies.
func NewServer(d Deps) *Server {
	ttl := d.Config.ResponseCacheTTL.Std()
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	respCache, err := otter.MustBuilder[string, []byte](256).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("api: failed to build response cache: " + err.Error())
	}
	return &Server{
		cfg:       d.Config,
		interest:  d.Interest,
		pool:      d.Pool,
		cache:     d.Cache,
		watch:     d.Watch,
		store:     d.Store,
		cal:       d.Calendar,
		realtime:  d.Realtime,
		metrics:   d.Metrics,
		respCache: respCache,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler returns the routed HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.realtime != nil {
		mux.Handle("GET /stocks_realtime", s.realtime)
	}

	mux.HandleFunc("GET /api/v1/system/info", s.handleSystemInfo)
	mux.HandleFunc("GET /api/v1/system/metrics", s.handleSystemMetrics)

	mux.HandleFunc("GET /api/v1/watchlist", s.handleWatchlistGet)
	mux.HandleFunc("POST /api/v1/watchlist", s.handleWatchlistPost)
	mux.HandleFunc("DELETE /api/v1/watchlist/{code}", s.handleWatchlistDelete)

	mux.HandleFunc("GET /api/v1/dashboards/strategy", s.handleStrategyDashboard)
	mux.HandleFunc("GET /api/v1/dashboards/limitup", s.handleLimitupDashboard)
	mux.HandleFunc("GET /api/v1/dashboards/stocks", s.handleStocksDashboard)

	return RequestBodyLimitMiddleware(s.cfg.MaxBodyBytes)(mux)
}

// Close releases the response cache.
func (s *Server) Close() {
	s.respCache.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveDate parses the optional ?date= query parameter ("YYYY-MM-DD",
// defaulting to today in exchange time) and snaps it to the nearest prior
// trading day. The bool reports whether a response was already written.
func (s *Server) resolveDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		raw = s.now().In(s.cal.Location()).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", raw); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, "date must be YYYY-MM-DD")
		return "", true
	}

	date, err := s.cal.NearestPriorTradingDate(raw)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "no trading day at or before "+raw)
		} else {
			WriteError(w, http.StatusInternalServerError, CodeInternal, "trading calendar lookup failed")
		}
		return "", true
	}
	return date, false
}

// cachedJSON serves the body under key from the response cache, or renders
// it with build and stores the result. Errors from build are never cached.
func (s *Server) cachedJSON(w http.ResponseWriter, key string, build func() ([]byte, error)) {
	if body, ok := s.respCache.Get(key); ok {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	body, err := build()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, "dashboard query failed")
		return
	}
	s.respCache.Set(key, body)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
