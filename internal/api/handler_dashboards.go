package api

import (
	"encoding/json"
	"net/http"

	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/state"
)

// realtimeFields carries the live reading merged into every dashboard row.
// Zero until the first fetch for the code lands.
type realtimeFields struct {
	RealtimePrice  float64 `json:"RealtimePrice"`
	RealtimeChange float64 `json:"RealtimeChange"`
}

func (s *Server) liveFor(code market.StockCode) realtimeFields {
	if q, ok := s.cache.Lookup(code); ok {
		return realtimeFields{RealtimePrice: q.Price, RealtimeChange: q.ChangePct}
	}
	return realtimeFields{}
}

type strategyDashboardRow struct {
	state.StrategyRow
	realtimeFields
}

// handleStrategyDashboard serves the moving-average picks for the resolved
// trading date, registers them in the pool, and attaches live quotes.
func (s *Server) handleStrategyDashboard(w http.ResponseWriter, r *http.Request) {
	date, done := s.resolveDate(w, r)
	if done {
		return
	}

	s.cachedJSON(w, "strategy:"+date, func() ([]byte, error) {
		rows, err := s.store.StrategyRows(date)
		if err != nil {
			return nil, err
		}

		codes := make([]market.StockCode, 0, len(rows))
		for _, row := range rows {
			codes = append(codes, row.StockCode)
		}
		s.interest.Enqueue(market.CallerStrategy, codes)

		out := make([]strategyDashboardRow, 0, len(rows))
		for _, row := range rows {
			out = append(out, strategyDashboardRow{StrategyRow: row, realtimeFields: s.liveFor(row.StockCode)})
		}
		return json.Marshal(map[string]any{"trading_date": date, "rows": out})
	})
}

type limitupDashboardRow struct {
	state.LimitupUnfilledRow
	realtimeFields
	PopularityRank int `json:"PopularityRank"`
	TurnoverRank   int `json:"TurnoverRank"`
}

// handleLimitupDashboard serves the unfilled limit-up order book for the
// resolved trading date, joined with the popularity and turnover rankings.
func (s *Server) handleLimitupDashboard(w http.ResponseWriter, r *http.Request) {
	date, done := s.resolveDate(w, r)
	if done {
		return
	}

	s.cachedJSON(w, "limitup:"+date, func() ([]byte, error) {
		rows, err := s.store.LimitupUnfilledRows(date)
		if err != nil {
			return nil, err
		}

		codes := make([]market.StockCode, 0, len(rows))
		for _, row := range rows {
			codes = append(codes, row.StockCode)
		}
		s.interest.Enqueue(market.CallerLimitup, codes)

		popularity, err := s.store.PopularityRows(codes, date)
		if err != nil {
			return nil, err
		}
		turnover, err := s.store.TurnoverRows(codes, date)
		if err != nil {
			return nil, err
		}

		out := make([]limitupDashboardRow, 0, len(rows))
		for _, row := range rows {
			out = append(out, limitupDashboardRow{
				LimitupUnfilledRow: row,
				realtimeFields:     s.liveFor(row.StockCode),
				PopularityRank:     popularity[row.StockCode],
				TurnoverRank:       turnover[row.StockCode],
			})
		}
		return json.Marshal(map[string]any{"trading_date": date, "rows": out})
	})
}

type stocksDashboardRow struct {
	state.DailyRow
	realtimeFields
}

// handleStocksDashboard serves the end-of-day bars of every pooled code for
// the resolved trading date. The pool is the subject here, so nothing is
// enqueued.
func (s *Server) handleStocksDashboard(w http.ResponseWriter, r *http.Request) {
	date, done := s.resolveDate(w, r)
	if done {
		return
	}

	s.cachedJSON(w, "stocks:"+date, func() ([]byte, error) {
		codes := s.pool.Codes()
		rows, err := s.store.DailyRows(codes, []string{date})
		if err != nil {
			return nil, err
		}

		out := make([]stocksDashboardRow, 0, len(rows))
		for _, row := range rows {
			out = append(out, stocksDashboardRow{DailyRow: row, realtimeFields: s.liveFor(row.StockCode)})
		}
		return json.Marshal(map[string]any{"trading_date": date, "rows": out})
	})
}
