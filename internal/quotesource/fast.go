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

// FetchResult is the outcome of one client dispatch: the quotes obtained and
// the codes the client could not cover this tick. The scheduler decides
// whether failed codes are retried; they simply stay stale.
type FetchResult struct {
	Quotes map[market.StockCode]market.Quote
	Failed []market.StockCode
}

// FastClient issues per-code GETs against the low-latency JSON source.
// MainURL/BackupURL are templates with {code} and {licence} placeholders;
// BatchURL, when configured, is tried first with a comma-joined {codes}
// placeholder and falls back to per-code mode on any parse failure.
type FastClient struct {
	downloader *netutil.FallbackDownloader
	direct     netutil.Downloader

	mainURL   string
	backupURL string
	batchURL  string
	licence   string
	batchSize int
	rateLimit time.Duration

	// sleep is injectable so tests do not wait out rate limits.
	sleep func(time.Duration)
}

// NewFastClient builds a FastClient from configuration. The downloader
// carries the per-request timeout; rate limiting happens between requests.
func NewFastClient(cfg config.FastSource, inner netutil.Downloader) *FastClient {
	return &FastClient{
		downloader: &netutil.FallbackDownloader{Inner: inner},
		direct:     inner,
		mainURL:    cfg.MainURL,
		backupURL:  cfg.BackupURL,
		batchURL:   cfg.BatchURL,
		licence:    cfg.Licence,
		batchSize:  cfg.BatchSize,
		rateLimit:  cfg.RateLimit.Std(),
		sleep:      time.Sleep,
	}
}

// Fetch retrieves quotes for up to batchSize codes sequentially. Codes
// beyond the cap are reported failed so the next tick picks them up.
func (c *FastClient) Fetch(ctx context.Context, codes []market.StockCode) FetchResult {
	res := FetchResult{Quotes: make(map[market.StockCode]market.Quote, len(codes))}
	if len(codes) == 0 {
		return res
	}

	batch := codes
	if c.batchSize > 0 && len(batch) > c.batchSize {
		res.Failed = append(res.Failed, batch[c.batchSize:]...)
		batch = batch[:c.batchSize]
	}

	if c.batchURL != "" {
		if quotes, err := c.fetchBatch(ctx, batch); err == nil {
			for code, q := range quotes {
				res.Quotes[code] = q
			}
			for _, code := range batch {
				if _, ok := quotes[code]; !ok {
					res.Failed = append(res.Failed, code)
				}
			}
			return res
		} else {
			log.Printf("[fast] batch endpoint failed, falling back to per-code: %v", err)
		}
	}

	for i, code := range batch {
		if ctx.Err() != nil {
			res.Failed = append(res.Failed, batch[i:]...)
			return res
		}

		quotes, err := c.fetchOne(ctx, code)
		if err != nil {
			log.Printf("[fast] fetch %s: %v", code, err)
			res.Failed = append(res.Failed, code)
		} else {
			for k, q := range quotes {
				res.Quotes[k] = q
			}
		}

		if c.rateLimit > 0 && i < len(batch)-1 {
			c.sleep(c.rateLimit)
		}
	}
	return res
}

func (c *FastClient) fetchOne(ctx context.Context, code market.StockCode) (map[market.StockCode]market.Quote, error) {
	primary := c.expandURL(c.mainURL, code)
	backup := ""
	if c.backupURL != "" {
		backup = c.expandURL(c.backupURL, code)
	}
	body, err := c.downloader.Download(ctx, primary, backup)
	if err != nil {
		return nil, err
	}
	return AdaptFast(body, code)
}

func (c *FastClient) fetchBatch(ctx context.Context, codes []market.StockCode) (map[market.StockCode]market.Quote, error) {
	joined := make([]string, len(codes))
	for i, code := range codes {
		joined[i] = string(code)
	}
	url := strings.ReplaceAll(c.batchURL, "{codes}", strings.Join(joined, ","))
	url = strings.ReplaceAll(url, "{licence}", c.licence)

	body, err := c.direct.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	return AdaptFastBatch(body)
}

func (c *FastClient) expandURL(template string, code market.StockCode) string {
	url := strings.ReplaceAll(template, "{code}", string(code))
	return strings.ReplaceAll(url, "{licence}", c.licence)
}
