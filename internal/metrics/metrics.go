// Package metrics collects process-wide counters for the engine and gateway.
// Counters are plain atomics; there is no history and no persistence.
package metrics

import "sync/atomic"

// Collector aggregates counters from every component. One instance is
// shared process-wide; a nil *Collector is a no-op so tests can omit it.
type Collector struct {
	fastAttempts atomic.Int64
	fastSuccess  atomic.Int64

	slowAttempts atomic.Int64
	slowSuccess  atomic.Int64

	scrapeAttempts atomic.Int64
	scrapeSuccess  atomic.Int64

	emissions     atomic.Int64
	emittedQuotes atomic.Int64
	evictions     atomic.Int64

	sessionsOpened    atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsExpired   atomic.Int64

	gatewayClients atomic.Int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

// RecordFetch counts one dispatch to a source: attempted codes and the
// quotes that came back.
func (c *Collector) RecordFetch(source string, attempted, succeeded int) {
	if c == nil {
		return
	}
	switch source {
	case "fast":
		c.fastAttempts.Add(int64(attempted))
		c.fastSuccess.Add(int64(succeeded))
	case "slow":
		c.slowAttempts.Add(int64(attempted))
		c.slowSuccess.Add(int64(succeeded))
	case "scrape":
		c.scrapeAttempts.Add(int64(attempted))
		c.scrapeSuccess.Add(int64(succeeded))
	}
}

// RecordEmission counts one realtime_update fan-out of n quotes.
func (c *Collector) RecordEmission(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.emissions.Add(1)
	c.emittedQuotes.Add(int64(n))
}

// RecordEvictions counts pool TTL evictions.
func (c *Collector) RecordEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.Add(int64(n))
}

// RecordSessionOpened counts one scraper fetch session issued.
func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Add(1)
}

// RecordSessionCompleted counts one session closed with all codes received
// or a done marker.
func (c *Collector) RecordSessionCompleted() {
	if c == nil {
		return
	}
	c.sessionsCompleted.Add(1)
}

// RecordSessionExpired counts one session closed by deadline.
func (c *Collector) RecordSessionExpired() {
	if c == nil {
		return
	}
	c.sessionsExpired.Add(1)
}

// GatewayClientConnected tracks the live client count.
func (c *Collector) GatewayClientConnected(delta int) {
	if c == nil {
		return
	}
	c.gatewayClients.Add(int64(delta))
}

// Snapshot is a point-in-time copy of every counter, JSON-shaped for the
// metrics endpoint.
type Snapshot struct {
	FastAttempts   int64 `json:"fast_attempts"`
	FastSuccess    int64 `json:"fast_success"`
	SlowAttempts   int64 `json:"slow_attempts"`
	SlowSuccess    int64 `json:"slow_success"`
	ScrapeAttempts int64 `json:"scrape_attempts"`
	ScrapeSuccess  int64 `json:"scrape_success"`

	Emissions     int64 `json:"emissions"`
	EmittedQuotes int64 `json:"emitted_quotes"`
	Evictions     int64 `json:"evictions"`

	SessionsOpened    int64 `json:"sessions_opened"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsExpired   int64 `json:"sessions_expired"`

	GatewayClients int64 `json:"gateway_clients"`
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		FastAttempts:      c.fastAttempts.Load(),
		FastSuccess:       c.fastSuccess.Load(),
		SlowAttempts:      c.slowAttempts.Load(),
		SlowSuccess:       c.slowSuccess.Load(),
		ScrapeAttempts:    c.scrapeAttempts.Load(),
		ScrapeSuccess:     c.scrapeSuccess.Load(),
		Emissions:         c.emissions.Load(),
		EmittedQuotes:     c.emittedQuotes.Load(),
		Evictions:         c.evictions.Load(),
		SessionsOpened:    c.sessionsOpened.Load(),
		SessionsCompleted: c.sessionsCompleted.Load(),
		SessionsExpired:   c.sessionsExpired.Load(),
		GatewayClients:    c.gatewayClients.Load(),
	}
}
