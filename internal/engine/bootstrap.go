package engine

import (
	"log"

	"github.com/tickerd/tickerd/internal/market"
)

// bootstrapSync seeds the pool from the persisted sources of interest:
// the watch-list file, the latest strategy picks, the latest limit-up
// codes, and the operator-configured seed list. Runs at Start and again
// pre-open by cron; each list is tagged with its origin so routing sends
// it to the right source.
func (e *Engine) bootstrapSync() {
	if e.watch != nil {
		codes, err := e.watch.Load()
		if err != nil {
			log.Printf("[bootstrap] watch-list load: %v", err)
		} else if len(codes) > 0 {
			e.pool.Enqueue(market.CallerWatchlist, codes)
			log.Printf("[bootstrap] enqueued %d watch-list codes", len(codes))
		}
	}

	if e.store != nil {
		if codes, err := e.store.LatestStrategyCodes(); err != nil {
			log.Printf("[bootstrap] strategy codes: %v", err)
		} else if len(codes) > 0 {
			e.pool.Enqueue(market.CallerStrategy, codes)
			log.Printf("[bootstrap] enqueued %d strategy codes", len(codes))
		}

		if codes, err := e.store.LatestLimitupCodes(); err != nil {
			log.Printf("[bootstrap] limitup codes: %v", err)
		} else if len(codes) > 0 {
			e.pool.Enqueue(market.CallerLimitup, codes)
			log.Printf("[bootstrap] enqueued %d limitup codes", len(codes))
		}
	}

	if len(e.cfg.BootstrapCodes) > 0 {
		codes := make([]market.StockCode, 0, len(e.cfg.BootstrapCodes))
		for _, raw := range e.cfg.BootstrapCodes {
			code, err := market.ParseStockCode(raw)
			if err != nil {
				log.Printf("[bootstrap] skipping invalid seed code %q", raw)
				continue
			}
			codes = append(codes, code)
		}
		if len(codes) > 0 {
			e.pool.Enqueue(market.CallerBootstrap, codes)
			log.Printf("[bootstrap] enqueued %d seed codes", len(codes))
		}
	}
}
