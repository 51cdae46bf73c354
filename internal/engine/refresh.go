package engine

import (
	"log"
	"sort"

	"github.com/tickerd/tickerd/internal/market"
)

// dashboardTags maps the frontend dashboard names to caller tags. The
// stock dashboard (and the literal "all") covers every pooled code. The
// name set is closed; unknown names are skipped.
var dashboardTags = map[string]market.CallerTag{
	"watchlist_dashboard": market.CallerWatchlist,
	"strategy_dashboard":  market.CallerStrategy,
	"limitup_dashboard":   market.CallerLimitup,
}

// RefreshDashboards handles a client-initiated refresh: resolve the
// dashboards to pooled codes, touch the pool with the refresh tag, and
// fetch immediately through the fast client in a short-lived goroutine.
// The emission goes out exactly like a scheduled update.
func (e *Engine) RefreshDashboards(dashboards []string) {
	if e.fast == nil {
		return
	}
	codes := e.resolveDashboards(dashboards)
	if len(codes) == 0 {
		log.Printf("[engine] refresh request matched no pooled codes (dashboards: %v)", dashboards)
		return
	}

	e.pool.Enqueue(market.CallerRefresh, codes)

	// Spawn under the lifecycle lock: a frame arriving mid-shutdown must
	// not Add while Stop is draining the wait group.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		res := e.fast.Fetch(e.fetchCtx, codes)
		e.metrics.RecordFetch("fast", len(codes), len(res.Quotes))
		e.ApplyAndEmit(res.Quotes)
	}()
}

// resolveDashboards returns the union of pooled codes the named dashboards
// cover, deduplicated and sorted.
func (e *Engine) resolveDashboards(dashboards []string) []market.StockCode {
	union := make(map[market.StockCode]struct{})
	for _, name := range dashboards {
		if name == "all" || name == "stock_dashboard" {
			for _, code := range e.pool.Codes() {
				union[code] = struct{}{}
			}
			continue
		}
		tag, ok := dashboardTags[name]
		if !ok {
			log.Printf("[engine] skipping unknown dashboard %q in refresh request", name)
			continue
		}
		for _, code := range e.pool.CodesTagged(tag) {
			union[code] = struct{}{}
		}
	}

	out := make([]market.StockCode, 0, len(union))
	for code := range union {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
