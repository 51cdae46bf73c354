// Package scraper coordinates fetch sessions with the out-of-process
// headless-browser worker. The worker is an opaque peer on a message bus:
// the coordinator publishes code lists and receives partial batches plus a
// completion marker, merging idempotently and retrying the remainder.
package scraper

import (
	"context"

	"github.com/tickerd/tickerd/internal/market"
)

// Priority selects the task queue a request lands on. Refresh-driven
// sessions go high; scheduled background sessions go low.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// Request is one logical fetch session published to the worker.
type Request struct {
	SessionID string             `json:"task_id"`
	Stocks    []market.StockCode `json:"stocks"`
	Timestamp int64              `json:"timestamp"`
	Priority  Priority           `json:"priority"`
}

// Reply is one message from the worker: a partial batch of scraped field
// maps, a completion marker, or both. Batches may repeat codes and arrive
// in any order.
type Reply struct {
	SessionID string                       `json:"task_id"`
	Data      map[string]map[string]string `json:"data"`
	Status    string                       `json:"status"`
	Done      bool                         `json:"done"`
}

// Bus abstracts the message transport to the worker. RedisBus is the
// production implementation; tests use an in-memory fake.
type Bus interface {
	// PublishRequest enqueues a session request.
	PublishRequest(ctx context.Context, req Request) error
	// Replies delivers worker messages. The channel closes on Close.
	Replies() <-chan Reply
	// MarkProcessed records a finished session so a re-delivered request
	// can be deduplicated by the worker side.
	MarkProcessed(ctx context.Context, sessionID string) error
	// IsProcessed reports whether a session was already completed.
	IsProcessed(ctx context.Context, sessionID string) (bool, error)
	// ClearProcessed empties the processed-session set (daily cleanup).
	ClearProcessed(ctx context.Context) error
	// Close stops the reply reader and releases the connection.
	Close() error
}
