package quotesource

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/netutil"
)

// SlowClient issues one GET per batch of exchange-suffixed codes against the
// quota-limited source. Between chunks it sleeps 60s/per_minute so a full
// tick never exceeds the upstream's per-minute allowance.
type SlowClient struct {
	downloader netutil.Downloader

	mainURL   string
	licence   string
	batchSize int
	perMinute int

	sleep func(time.Duration)
}

// NewSlowClient builds a SlowClient from configuration.
func NewSlowClient(cfg config.SlowSource, inner netutil.Downloader) *SlowClient {
	return &SlowClient{
		downloader: inner,
		mainURL:    cfg.MainURL,
		licence:    cfg.Licence,
		batchSize:  cfg.BatchSize,
		perMinute:  cfg.Limits.PerMinute,
		sleep:      time.Sleep,
	}
}

// quotaPause returns the inter-chunk sleep derived from the per-minute quota.
func (c *SlowClient) quotaPause() time.Duration {
	if c.perMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(c.perMinute)
}

// Fetch retrieves quotes for the given codes in batchSize chunks. A failed
// chunk fails only its own codes; later chunks still run.
func (c *SlowClient) Fetch(ctx context.Context, codes []market.StockCode) FetchResult {
	res := FetchResult{Quotes: make(map[market.StockCode]market.Quote, len(codes))}
	if len(codes) == 0 {
		return res
	}

	size := c.batchSize
	if size <= 0 {
		size = len(codes)
	}

	for start := 0; start < len(codes); start += size {
		end := start + size
		if end > len(codes) {
			end = len(codes)
		}
		chunk := codes[start:end]

		if ctx.Err() != nil {
			res.Failed = append(res.Failed, codes[start:]...)
			return res
		}

		quotes, err := c.fetchChunk(ctx, chunk)
		if err != nil {
			log.Printf("[slow] fetch chunk of %d: %v", len(chunk), err)
			res.Failed = append(res.Failed, chunk...)
		} else {
			for code, q := range quotes {
				res.Quotes[code] = q
			}
			for _, code := range chunk {
				if _, ok := quotes[code]; !ok {
					res.Failed = append(res.Failed, code)
				}
			}
		}

		if pause := c.quotaPause(); pause > 0 && end < len(codes) {
			c.sleep(pause)
		}
	}
	return res
}

func (c *SlowClient) fetchChunk(ctx context.Context, chunk []market.StockCode) (map[market.StockCode]market.Quote, error) {
	suffixed := make([]string, len(chunk))
	for i, code := range chunk {
		suffixed[i] = code.Suffixed()
	}
	url := strings.ReplaceAll(c.mainURL, "{codes}", strings.Join(suffixed, ","))
	url = strings.ReplaceAll(url, "{licence}", c.licence)

	body, err := c.downloader.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	return AdaptSlow(body)
}
