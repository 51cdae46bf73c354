// Package pool maintains the interest set: the stock codes at least one
// dashboard currently cares about, with the caller tags that expressed the
// interest and a last-touched timestamp driving TTL eviction. It is the
// single source of truth for what the schedulers fetch.
package pool

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tickerd/tickerd/internal/market"
)

// defaultQueueDepth bounds the ingress queue. Handler enqueues beyond this
// are dropped rather than blocking the request path.
const defaultQueueDepth = 1024

// Entry is the pooled state for one stock code. The sources set is guarded
// by mu; lastTouched is read lock-free by the eviction sweep.
type Entry struct {
	mu          sync.Mutex
	sources     map[market.CallerTag]struct{}
	lastTouched atomic.Int64
}

// Touched returns the last-touched unix-nano timestamp.
func (e *Entry) Touched() int64 { return e.lastTouched.Load() }

// touch advances lastTouched to now, never backward.
func (e *Entry) touch(now int64) {
	for {
		cur := e.lastTouched.Load()
		if cur >= now {
			return
		}
		if e.lastTouched.CompareAndSwap(cur, now) {
			return
		}
	}
}

// addSource unions tag into the sources set. Reports whether it was new.
func (e *Entry) addSource(tag market.CallerTag) bool {
	if _, ok := e.sources[tag]; ok {
		return false
	}
	e.sources[tag] = struct{}{}
	return true
}

// HasSource reports whether tag is in the entry's sources set.
func (e *Entry) HasSource(tag market.CallerTag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sources[tag]
	return ok
}

// Sources returns a copy of the entry's caller-tag set.
func (e *Entry) Sources() []market.CallerTag {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]market.CallerTag, 0, len(e.sources))
	for tag := range e.sources {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Update is one ingress message: a caller expressing interest in codes.
type Update struct {
	Caller market.CallerTag
	Codes  []market.StockCode
}

// Pool is the process-wide interest set. Handlers only Enqueue; the
// maintenance loop calls Apply and Evict; schedulers call SnapshotFor.
type Pool struct {
	entries *xsync.Map[market.StockCode, *Entry]
	ingress chan Update

	// now is injectable for TTL tests.
	now func() time.Time
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		entries: xsync.NewMap[market.StockCode, *Entry](),
		ingress: make(chan Update, defaultQueueDepth),
		now:     time.Now,
	}
}

// Enqueue posts an interest update on the ingress queue. It never touches
// the pool inline and never blocks: on a full queue the update is dropped
// with a log line, and the caller's next request re-expresses the interest.
// Codes that fail validation are skipped; an update with no valid codes is
// a no-op.
func (p *Pool) Enqueue(caller market.CallerTag, codes []market.StockCode) {
	valid := make([]market.StockCode, 0, len(codes))
	for _, code := range codes {
		if _, err := market.ParseStockCode(string(code)); err != nil {
			log.Printf("[pool] enqueue from %s: skipping invalid code %q", caller, code)
			continue
		}
		valid = append(valid, code)
	}
	if len(valid) == 0 {
		return
	}

	select {
	case p.ingress <- Update{Caller: caller, Codes: valid}:
	default:
		log.Printf("[pool] ingress queue full, dropped %d codes from %s", len(valid), caller)
	}
}

// Apply drains the ingress queue into the pool: per code it unions the
// caller into the sources set and stamps last-touched to now, creating the
// entry when absent. Returns the number of updates applied.
func (p *Pool) Apply() int {
	applied := 0
	for {
		select {
		case upd := <-p.ingress:
			now := p.now().UnixNano()
			for _, code := range upd.Codes {
				p.entries.Compute(code, func(entry *Entry, loaded bool) (*Entry, xsync.ComputeOp) {
					if !loaded {
						entry = &Entry{sources: make(map[market.CallerTag]struct{}, 1)}
					}
					entry.mu.Lock()
					entry.addSource(upd.Caller)
					entry.touch(now)
					entry.mu.Unlock()
					return entry, xsync.UpdateOp
				})
			}
			applied++
		default:
			return applied
		}
	}
}

// Evict removes entries whose last-touched timestamp is older than ttl and
// returns their codes so the caller can drop the matching quote rows.
func (p *Pool) Evict(ttl time.Duration) []market.StockCode {
	return p.evictWithHook(ttl, nil)
}

// evictWithHook runs the eviction sweep. The between hook, when non-nil,
// fires after the candidate scan but before the per-candidate re-check,
// exposing the TOCTOU window to tests: a code touched inside the window
// must survive.
func (p *Pool) evictWithHook(ttl time.Duration, between func()) []market.StockCode {
	deadline := p.now().Add(-ttl).UnixNano()

	var candidates []market.StockCode
	p.entries.Range(func(code market.StockCode, entry *Entry) bool {
		if entry.Touched() <= deadline {
			candidates = append(candidates, code)
		}
		return true
	})
	if len(candidates) == 0 {
		return nil
	}

	if between != nil {
		between()
	}

	// Re-verify inside Compute before deleting: an Apply between the scan
	// and now must win.
	evicted := make([]market.StockCode, 0, len(candidates))
	for _, code := range candidates {
		p.entries.Compute(code, func(entry *Entry, loaded bool) (*Entry, xsync.ComputeOp) {
			if !loaded {
				return entry, xsync.CancelOp
			}
			if entry.Touched() > deadline {
				return entry, xsync.CancelOp
			}
			evicted = append(evicted, code)
			return nil, xsync.DeleteOp
		})
	}

	if len(evicted) > 0 {
		log.Printf("[pool] evicted %d stocks", len(evicted))
	}
	return evicted
}

// SnapshotFor returns the codes the given source is responsible for this
// tick. Routing is a pure function of the live source sets: entries whose
// sources include the watchlist tag go to the fast source; every other
// entry goes to slow and scrape.
func (p *Pool) SnapshotFor(source market.Source) []market.StockCode {
	var out []market.StockCode
	p.entries.Range(func(code market.StockCode, entry *Entry) bool {
		watch := entry.HasSource(market.CallerWatchlist)
		switch source {
		case market.SourceFast:
			if watch {
				out = append(out, code)
			}
		case market.SourceSlow, market.SourceScrape:
			if !watch {
				out = append(out, code)
			}
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Codes returns every pooled code.
func (p *Pool) Codes() []market.StockCode {
	out := make([]market.StockCode, 0, p.entries.Size())
	p.entries.Range(func(code market.StockCode, _ *Entry) bool {
		out = append(out, code)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CodesTagged returns the pooled codes whose sources include tag.
func (p *Pool) CodesTagged(tag market.CallerTag) []market.StockCode {
	var out []market.StockCode
	p.entries.Range(func(code market.StockCode, entry *Entry) bool {
		if entry.HasSource(tag) {
			out = append(out, code)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether code is pooled.
func (p *Pool) Contains(code market.StockCode) bool {
	_, ok := p.entries.Load(code)
	return ok
}

// GetEntry retrieves the entry for code, if pooled.
func (p *Pool) GetEntry(code market.StockCode) (*Entry, bool) {
	return p.entries.Load(code)
}

// Len returns the number of pooled codes.
func (p *Pool) Len() int {
	return p.entries.Size()
}
