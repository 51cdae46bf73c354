package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/tickerd/tickerd/internal/market"
)

// watchlistRow is one watch-list code with its realtime reading attached.
// The quote fields are zero until the first fetch lands.
type watchlistRow struct {
	StockCode      market.StockCode `json:"StockCode"`
	RealtimePrice  float64          `json:"RealtimePrice"`
	RealtimeChange float64          `json:"RealtimeChange"`
}

// handleWatchlistGet returns the file codes merged with the quote snapshot
// and re-registers them in the interest pool.
func (s *Server) handleWatchlistGet(w http.ResponseWriter, _ *http.Request) {
	codes, err := s.watch.Load()
	if err != nil {
		log.Printf("[api] watch-list load: %v", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "watch-list read failed")
		return
	}
	s.interest.Enqueue(market.CallerWatchlist, codes)

	quotes := s.cache.Get(codes)
	rows := make([]watchlistRow, 0, len(codes))
	for _, code := range codes {
		row := watchlistRow{StockCode: code}
		if q, ok := quotes[code]; ok {
			row.RealtimePrice = q.Price
			row.RealtimeChange = q.ChangePct
		}
		rows = append(rows, row)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// handleWatchlistPost appends one code to the file. The mutation is never
// served from the response cache.
func (s *Server) handleWatchlistPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, "body must be JSON with a code field")
		return
	}
	code, err := market.ParseStockCode(req.Code)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	added, err := s.watch.Add(code)
	if err != nil {
		log.Printf("[api] watch-list add %s: %v", code, err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "watch-list write failed")
		return
	}
	s.interest.Enqueue(market.CallerWatchlist, []market.StockCode{code})

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	WriteJSON(w, status, map[string]any{"code": code, "added": added})
}

// handleWatchlistDelete removes one code from the file.
func (s *Server) handleWatchlistDelete(w http.ResponseWriter, r *http.Request) {
	code, err := market.ParseStockCode(r.PathValue("code"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	removed, err := s.watch.Remove(code)
	if err != nil {
		log.Printf("[api] watch-list remove %s: %v", code, err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "watch-list write failed")
		return
	}
	if !removed {
		WriteError(w, http.StatusNotFound, CodeNotFound, "code not on the watch-list")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"code": code, "removed": true})
}
