// Package quotesource normalizes upstream wire data into market.Quote
// records and implements the HTTP clients for the fast and slow sources.
// The scrape source has no client here; its codes are handed to the
// scraper coordinator.
package quotesource

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tickerd/tickerd/internal/market"
)

// Scraped-field labels as they appear in the worker's reply payloads.
const (
	scrapeFieldCode      = "Stock Code"
	scrapeFieldPrice     = "最新"
	scrapeFieldPrevClose = "昨收"
)

// flexFloat coerces a JSON value into a float64. Numbers pass through;
// strings are parsed after stripping thousands separators. Missing values
// (nil) are zero. ok is false only for present-but-non-numeric values.
func flexFloat(v any) (f float64, ok bool) {
	switch t := v.(type) {
	case nil:
		return 0, true
	case float64:
		return t, true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return 0, true
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// AdaptFast normalizes a per-code fast-source reply. The payload is a single
// JSON object with fields p (price), yc (previous close) and pc (upstream
// percent change, authoritative when present). A non-object payload or a
// non-numeric price fails the code.
func AdaptFast(raw []byte, code market.StockCode) (map[market.StockCode]market.Quote, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("quotesource: fast payload for %s: %w", code, err)
	}

	price, ok := flexFloat(obj["p"])
	if !ok {
		return nil, fmt.Errorf("quotesource: fast payload for %s: non-numeric price %v", code, obj["p"])
	}
	prevClose, ok := flexFloat(obj["yc"])
	if !ok {
		return nil, fmt.Errorf("quotesource: fast payload for %s: non-numeric prev close %v", code, obj["yc"])
	}

	change := market.ComputeChangePct(price, prevClose)
	if rawPC, present := obj["pc"]; present && rawPC != nil && rawPC != "" {
		if pc, pcOK := flexFloat(rawPC); pcOK {
			change = market.Round2(pc)
		}
	}

	return map[market.StockCode]market.Quote{
		code: {Price: price, ChangePct: change},
	}, nil
}

// fastBatchRow is one element of a batched fast-source reply.
type fastBatchRow struct {
	Code      string `json:"dm"`
	Price     any    `json:"p"`
	PrevClose any    `json:"yc"`
	ChangePct any    `json:"pc"`
}

// AdaptFastBatch normalizes a multi-code fast-source reply: a JSON array of
// rows carrying the code in dm. Any malformed row fails the whole batch so
// the client can fall back to per-code mode.
func AdaptFastBatch(raw []byte) (map[market.StockCode]market.Quote, error) {
	var rows []fastBatchRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("quotesource: fast batch payload: %w", err)
	}

	out := make(map[market.StockCode]market.Quote, len(rows))
	for _, row := range rows {
		code, err := market.ParseStockCode(strings.TrimSpace(row.Code))
		if err != nil {
			return nil, fmt.Errorf("quotesource: fast batch row: %w", err)
		}
		price, ok := flexFloat(row.Price)
		if !ok {
			return nil, fmt.Errorf("quotesource: fast batch row %s: non-numeric price %v", code, row.Price)
		}
		prevClose, ok := flexFloat(row.PrevClose)
		if !ok {
			return nil, fmt.Errorf("quotesource: fast batch row %s: non-numeric prev close %v", code, row.PrevClose)
		}
		change := market.ComputeChangePct(price, prevClose)
		if row.ChangePct != nil && row.ChangePct != "" {
			if pc, pcOK := flexFloat(row.ChangePct); pcOK {
				change = market.Round2(pc)
			}
		}
		out[code] = market.Quote{Price: price, ChangePct: change}
	}
	return out, nil
}

// AdaptSlow normalizes a batched slow-source reply: a JSON array of rows
// with TS_CODE ("000001.SZ"), PRICE and PRE_CLOSE. Malformed rows are
// skipped; they never fail the batch.
func AdaptSlow(raw []byte) (map[market.StockCode]market.Quote, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("quotesource: slow payload: %w", err)
	}

	out := make(map[market.StockCode]market.Quote, len(rows))
	for _, row := range rows {
		tsCode, _ := row["TS_CODE"].(string)
		bare, _, _ := strings.Cut(tsCode, ".")
		code, err := market.ParseStockCode(bare)
		if err != nil {
			continue
		}
		price, ok := flexFloat(row["PRICE"])
		if !ok {
			continue
		}
		prevClose, ok := flexFloat(row["PRE_CLOSE"])
		if !ok {
			continue
		}
		out[code] = market.Quote{
			Price:     price,
			ChangePct: market.ComputeChangePct(price, prevClose),
		}
	}
	return out, nil
}

// AdaptScrape normalizes one scraper batch: raw label→value maps keyed by
// code. A "Stock Code" field inside a map overrides the key (the worker may
// report exchange-prefixed symbols there). Values keep the page's formatting,
// so thousands separators are tolerated. Codes whose price is absent, blank
// or fails to parse are skipped; they stay stale rather than caching zero.
func AdaptScrape(batch map[string]map[string]string) map[market.StockCode]market.Quote {
	out := make(map[market.StockCode]market.Quote, len(batch))
	for key, fields := range batch {
		keyStr := key
		if sym, present := fields[scrapeFieldCode]; present && sym != "" {
			keyStr = sym
		}
		keyStr = strings.TrimPrefix(strings.TrimPrefix(keyStr, "sz"), "sh")
		code, err := market.ParseStockCode(keyStr)
		if err != nil {
			continue
		}

		rawPrice, present := fields[scrapeFieldPrice]
		if !present || strings.TrimSpace(rawPrice) == "" {
			continue
		}
		price, ok := flexFloat(rawPrice)
		if !ok {
			continue
		}
		prevClose, ok := flexFloat(fields[scrapeFieldPrevClose])
		if !ok {
			continue
		}
		out[code] = market.Quote{
			Price:     price,
			ChangePct: market.ComputeChangePct(price, prevClose),
		}
	}
	return out
}
