package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tickerd/tickerd/internal/config"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
)

// fakeBus records published requests and lets tests feed replies.
type fakeBus struct {
	mu         sync.Mutex
	published  []Request
	processed  map[string]bool
	replies    chan Reply
	publishErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		processed: make(map[string]bool),
		replies:   make(chan Reply, 16),
	}
}

func (b *fakeBus) PublishRequest(_ context.Context, req Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, req)
	return nil
}

func (b *fakeBus) Replies() <-chan Reply { return b.replies }

func (b *fakeBus) MarkProcessed(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed[id] = true
	return nil
}

func (b *fakeBus) IsProcessed(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed[id], nil
}

func (b *fakeBus) ClearProcessed(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed = make(map[string]bool)
	return nil
}

func (b *fakeBus) Close() error {
	close(b.replies)
	return nil
}

func (b *fakeBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBus) lastPublished() Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

// applyRecorder collects everything the coordinator lands.
type applyRecorder struct {
	mu     sync.Mutex
	quotes map[market.StockCode]market.Quote
}

func newApplyRecorder() *applyRecorder {
	return &applyRecorder{quotes: make(map[market.StockCode]market.Quote)}
}

func (r *applyRecorder) apply(batch map[market.StockCode]market.Quote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, q := range batch {
		r.quotes[code] = q
	}
}

func (r *applyRecorder) has(code market.StockCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.quotes[code]
	return ok
}

func testScrapeConfig() config.ScrapeSource {
	return config.ScrapeSource{
		MinTimeout:    config.Duration(30 * time.Second),
		PerCodeBudget: config.Duration(3 * time.Second),
		MaxAttempts:   3,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBus, *applyRecorder) {
	t.Helper()
	bus := newFakeBus()
	rec := newApplyRecorder()
	c := NewCoordinator(bus, testScrapeConfig(), rec.apply, metrics.NewCollector())
	return c, bus, rec
}

// scrapeFields builds a worker field map for one code.
func scrapeFields(price, prevClose string) map[string]string {
	return map[string]string{"最新": price, "昨收": prevClose}
}

func TestRequest_PublishesSession(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)

	id, err := c.Request([]market.StockCode{"000100", "000200"}, PriorityLow)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	if bus.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", bus.publishedCount())
	}
	req := bus.lastPublished()
	if req.SessionID != id || len(req.Stocks) != 2 || req.Priority != PriorityLow {
		t.Fatalf("published request = %+v", req)
	}
	if c.OutstandingSessions() != 1 {
		t.Fatalf("outstanding = %d, want 1", c.OutstandingSessions())
	}
}

func TestRequest_PublishFailureLeavesNoSession(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	bus.publishErr = errors.New("redis down")

	if _, err := c.Request([]market.StockCode{"000100"}, PriorityLow); err == nil {
		t.Fatal("publish failure must surface")
	}
	if c.OutstandingSessions() != 0 {
		t.Fatalf("outstanding = %d, want failed request rolled back", c.OutstandingSessions())
	}
}

func TestRequest_EmptyCodesIsNoop(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	id, err := c.Request(nil, PriorityHigh)
	if err != nil || id != "" {
		t.Fatalf("Request(nil) = (%q, %v), want no-op", id, err)
	}
	if bus.publishedCount() != 0 {
		t.Fatal("empty request was published")
	}
}

// instantBus answers every published request with a complete done reply
// before PublishRequest returns, like a worker that is faster than the
// publishing goroutine.
type instantBus struct {
	*fakeBus
}

func (b *instantBus) PublishRequest(ctx context.Context, req Request) error {
	if err := b.fakeBus.PublishRequest(ctx, req); err != nil {
		return err
	}
	data := make(map[string]map[string]string, len(req.Stocks))
	for _, code := range req.Stocks {
		data[string(code)] = scrapeFields("10.10", "10.00")
	}
	b.replies <- Reply{SessionID: req.SessionID, Data: data, Done: true}
	return nil
}

func TestReplyBeforePublishReturns(t *testing.T) {
	bus := &instantBus{fakeBus: newFakeBus()}
	rec := newApplyRecorder()
	c := NewCoordinator(bus, testScrapeConfig(), rec.apply, metrics.NewCollector())
	c.Start()
	defer c.Stop()

	id, err := c.Request([]market.StockCode{"000100"}, PriorityLow)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !rec.has("000100") || c.OutstandingSessions() != 0 {
		select {
		case <-deadline:
			t.Fatalf("immediate reply lost: applied=%v outstanding=%d",
				rec.has("000100"), c.OutstandingSessions())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if done, _ := bus.IsProcessed(context.Background(), id); !done {
		t.Fatal("completed session not marked processed")
	}
}

func TestDoneWithRemaining_RetriesThenCompletes(t *testing.T) {
	c, bus, rec := newTestCoordinator(t)

	id, err := c.Request([]market.StockCode{"000100", "000200", "000300"}, PriorityLow)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// First batch covers one code.
	c.handleReply(Reply{
		SessionID: id,
		Data:      map[string]map[string]string{"000100": scrapeFields("10.10", "10.00")},
	})
	if !rec.has("000100") {
		t.Fatal("first batch not applied")
	}

	// Completion marker with two codes missing: expect a re-issue.
	c.handleReply(Reply{SessionID: id, Done: true})
	if bus.publishedCount() != 2 {
		t.Fatalf("published = %d, want the retry request", bus.publishedCount())
	}
	retry := bus.lastPublished()
	if retry.SessionID != id || len(retry.Stocks) != 2 {
		t.Fatalf("retry request = %+v, want 2 remaining codes", retry)
	}

	// Remainder arrives; session closes and is marked processed.
	c.handleReply(Reply{
		SessionID: id,
		Data: map[string]map[string]string{
			"000200": scrapeFields("20.00", "19.00"),
			"000300": scrapeFields("30.00", "31.00"),
		},
	})
	if !rec.has("000200") || !rec.has("000300") {
		t.Fatal("retried codes not applied")
	}
	if c.OutstandingSessions() != 0 {
		t.Fatalf("outstanding = %d, want 0", c.OutstandingSessions())
	}
	done, _ := bus.IsProcessed(context.Background(), id)
	if !done {
		t.Fatal("completed session not marked processed")
	}
}

func TestDoneWithRemaining_AttemptBudgetExhausted(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	c.cfg.MaxAttempts = 1

	id, _ := c.Request([]market.StockCode{"000100"}, PriorityLow)
	c.handleReply(Reply{SessionID: id, Done: true})

	if bus.publishedCount() != 1 {
		t.Fatalf("published = %d, want no retry past the attempt budget", bus.publishedCount())
	}
	if c.OutstandingSessions() != 0 {
		t.Fatal("exhausted session must close")
	}
}

func TestDuplicateAndOutOfOrderBatches(t *testing.T) {
	c, _, rec := newTestCoordinator(t)

	id, _ := c.Request([]market.StockCode{"000100", "000200"}, PriorityLow)

	batch := Reply{
		SessionID: id,
		Data:      map[string]map[string]string{"000100": scrapeFields("10.10", "10.00")},
	}
	c.handleReply(batch)
	c.handleReply(batch) // duplicate is merged idempotently
	c.handleReply(Reply{
		SessionID: id,
		Data:      map[string]map[string]string{"000200": scrapeFields("20.00", "19.00")},
	})

	if !rec.has("000100") || !rec.has("000200") {
		t.Fatal("batches not applied")
	}
	if c.OutstandingSessions() != 0 {
		t.Fatal("session must close once every code arrived")
	}
}

func TestUnknownSessionReplyIsDropped(t *testing.T) {
	c, _, rec := newTestCoordinator(t)

	c.handleReply(Reply{
		SessionID: "never-issued",
		Data:      map[string]map[string]string{"000100": scrapeFields("10.10", "10.00")},
	})
	if rec.has("000100") {
		t.Fatal("reply for unknown session must not be applied")
	}
}

func TestSweepExpired(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Request([]market.StockCode{"000100"}, PriorityLow); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base.Add(31 * time.Second) }
	c.sweepExpired()

	if c.OutstandingSessions() != 0 {
		t.Fatalf("outstanding = %d, want expired session swept", c.OutstandingSessions())
	}
}

func TestSessionBudget(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	if got := c.sessionBudget(2); got != 30*time.Second {
		t.Fatalf("small session budget = %v, want the 30s floor", got)
	}
	if got := c.sessionBudget(20); got != 60*time.Second {
		t.Fatalf("large session budget = %v, want 20*3s", got)
	}
}
