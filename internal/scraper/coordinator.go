package scraper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
	"github.com/tickerd/tickerd/internal/quotesource"
	"github.com/tickerd/tickerd/internal/scanloop"
)

// session tracks one in-flight worker request.
// Lifecycle: issued -> (receiving | retrying)* -> completed | expired.
type session struct {
	id        string
	remaining map[market.StockCode]struct{}
	received  map[market.StockCode]struct{}
	attempts  int
	deadline  time.Time
	priority  Priority
}

// Coordinator owns the fetch sessions against the scraper worker. The
// scheduler hands it code lists without blocking; batches are applied to
// the cache (and emitted) as they arrive.
type Coordinator struct {
	bus Bus
	cfg config.ScrapeSource

	// apply lands a normalized batch: cache write, delta, emission.
	apply func(map[market.StockCode]market.Quote)

	mu       sync.Mutex
	sessions map[string]*session

	metrics *metrics.Collector
	now     func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewCoordinator builds a Coordinator. apply must be non-blocking-safe: it
// is called from the reply reader goroutine.
func NewCoordinator(bus Bus, cfg config.ScrapeSource, apply func(map[market.StockCode]market.Quote), m *metrics.Collector) *Coordinator {
	return &Coordinator{
		bus:      bus,
		cfg:      cfg,
		apply:    apply,
		sessions: make(map[string]*session),
		metrics:  m,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reply reader and the expiry sweeper.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readReplies()
	}()
	go func() {
		defer c.wg.Done()
		scanloop.RunEvery(c.stopCh, time.Second, c.sweepExpired)
	}()
}

// Stop abandons outstanding sessions and waits for the workers to exit.
// Batches for abandoned sessions are discarded by the unknown-session
// check in the reply path.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()

	c.mu.Lock()
	n := len(c.sessions)
	c.sessions = make(map[string]*session)
	c.mu.Unlock()
	if n > 0 {
		log.Printf("[scrape] abandoned %d outstanding sessions on stop", n)
	}
}

// Request opens a fetch session for codes and publishes it. It returns the
// session id immediately; results arrive through apply. Codes already
// covered by an in-flight session are not filtered: the merge is
// idempotent and a newer read only refreshes the quote.
func (c *Coordinator) Request(codes []market.StockCode, priority Priority) (string, error) {
	if len(codes) == 0 {
		return "", nil
	}

	sess := &session{
		id:        uuid.NewString(),
		remaining: make(map[market.StockCode]struct{}, len(codes)),
		received:  make(map[market.StockCode]struct{}),
		attempts:  1,
		deadline:  c.now().Add(c.sessionBudget(len(codes))),
		priority:  priority,
	}
	for _, code := range codes {
		sess.remaining[code] = struct{}{}
	}

	req := Request{
		SessionID: sess.id,
		Stocks:    codes,
		Timestamp: c.now().Unix(),
		Priority:  priority,
	}
	// Register before publishing: a fast worker can reply before
	// PublishRequest returns, and that reply must find its session.
	c.mu.Lock()
	c.sessions[sess.id] = sess
	c.mu.Unlock()

	if err := c.bus.PublishRequest(context.Background(), req); err != nil {
		c.mu.Lock()
		delete(c.sessions, sess.id)
		c.mu.Unlock()
		return "", err
	}

	c.metrics.RecordSessionOpened()
	log.Printf("[scrape] session %s issued for %d codes", sess.id, len(codes))
	return sess.id, nil
}

// sessionBudget computes the deadline offset for a session of n codes.
func (c *Coordinator) sessionBudget(n int) time.Duration {
	budget := time.Duration(n) * c.cfg.PerCodeBudget.Std()
	if min := c.cfg.MinTimeout.Std(); budget < min {
		budget = min
	}
	return budget
}

// OutstandingSessions returns the number of open sessions.
func (c *Coordinator) OutstandingSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) readReplies() {
	for {
		select {
		case <-c.stopCh:
			return
		case reply, ok := <-c.bus.Replies():
			if !ok {
				return
			}
			c.handleReply(reply)
		}
	}
}

// handleReply merges one worker message into its session. Duplicate and
// out-of-order batches are tolerated: merging is idempotent, and a batch
// for an unknown (completed, expired, or abandoned) session is dropped.
func (c *Coordinator) handleReply(reply Reply) {
	quotes := quotesource.AdaptScrape(reply.Data)

	c.mu.Lock()
	sess, known := c.sessions[reply.SessionID]
	if !known {
		c.mu.Unlock()
		// A late duplicate for a completed session is expected noise; an
		// unknown id that was never processed is worth a line.
		if done, err := c.bus.IsProcessed(context.Background(), reply.SessionID); err == nil && !done {
			log.Printf("[scrape] dropping reply for unknown session %s", reply.SessionID)
		}
		return
	}

	for code := range quotes {
		delete(sess.remaining, code)
		sess.received[code] = struct{}{}
	}

	var (
		complete  bool
		retry     bool
		attempt   int
		remaining []market.StockCode
	)
	switch {
	case len(sess.remaining) == 0:
		complete = true
	case reply.Done:
		// Completion marker with codes still missing: re-issue the
		// remainder while the deadline and attempt budget allow.
		if sess.attempts < c.cfg.MaxAttempts && c.now().Before(sess.deadline) {
			retry = true
			sess.attempts++
			attempt = sess.attempts
			for code := range sess.remaining {
				remaining = append(remaining, code)
			}
		} else {
			complete = true
		}
	}
	if complete {
		delete(c.sessions, sess.id)
	}
	c.mu.Unlock()

	// Cache write and emission happen outside the session lock.
	if len(quotes) > 0 {
		c.metrics.RecordFetch("scrape", len(quotes), len(quotes))
		c.apply(quotes)
	}

	if retry {
		req := Request{
			SessionID: sess.id,
			Stocks:    remaining,
			Timestamp: c.now().Unix(),
			Priority:  sess.priority,
		}
		if err := c.bus.PublishRequest(context.Background(), req); err != nil {
			log.Printf("[scrape] session %s retry publish: %v", sess.id, err)
		} else {
			log.Printf("[scrape] session %s attempt %d for %d remaining codes", sess.id, attempt, len(remaining))
		}
		return
	}

	if complete {
		c.metrics.RecordSessionCompleted()
		if err := c.bus.MarkProcessed(context.Background(), sess.id); err != nil {
			log.Printf("[scrape] mark processed %s: %v", sess.id, err)
		}
		log.Printf("[scrape] session %s completed, %d codes received", sess.id, len(sess.received))
	}
}

// sweepExpired closes sessions past their deadline. Remaining codes stay
// stale in the cache, so the next scheduler tick simply reattempts them.
func (c *Coordinator) sweepExpired() {
	now := c.now()

	c.mu.Lock()
	var expired []*session
	for id, sess := range c.sessions {
		if now.After(sess.deadline) {
			expired = append(expired, sess)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, sess := range expired {
		c.metrics.RecordSessionExpired()
		log.Printf("[scrape] session %s expired with %d codes not received", sess.id, len(sess.remaining))
	}
}
