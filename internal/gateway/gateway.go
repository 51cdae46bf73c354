// Package gateway maintains the realtime subscriber sessions on the
// /stocks_realtime namespace and fans quote deltas out to them over
// websockets. Emission is best effort: a slow or dropped client loses
// messages, never stalls the engine.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tickerd/tickerd/internal/market"
	"github.com/tickerd/tickerd/internal/metrics"
)

// Wire event names, fixed by the dashboard frontend.
const (
	eventRealtimeUpdate = "realtime_update"
	eventRefreshRequest = "refresh_realtime_data"
)

// QuoteUpdate is the per-code payload of a realtime_update event.
type QuoteUpdate struct {
	RealtimePrice  float64 `json:"RealtimePrice"`
	RealtimeChange float64 `json:"RealtimeChange"`
}

// envelope frames every message in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// refreshPayload is the data of a refresh_realtime_data event.
type refreshPayload struct {
	Dashboards []string `json:"dashboards"`
}

// Hub owns the connected clients. It implements the engine's Emitter.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	// refresh handles a client's refresh_realtime_data request. Wired to
	// engine.RefreshDashboards; must return promptly (it spawns its own
	// fetch goroutine).
	refresh func(dashboards []string)

	upgrader websocket.Upgrader
	metrics  *metrics.Collector

	closed sync.Once
	done   chan struct{}
}

// NewHub creates a Hub. refresh may be nil (refresh requests are then
// acknowledged by doing nothing, which tests use).
func NewHub(refresh func(dashboards []string), m *metrics.Collector) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		refresh: refresh,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from the same origin; cross-origin
			// browsers are not part of the contract.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: m,
		done:    make(chan struct{}),
	}
}

// ServeHTTP upgrades a request into a client session on the realtime
// namespace.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	client := newClient(h, conn)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.GatewayClientConnected(1)
	log.Printf("[gateway] client connected from %s", conn.RemoteAddr())

	go client.writePump()
	go client.readPump()
}

// EmitRealtime pushes a quote delta to every connected client. The payload
// is marshaled once; sends are non-blocking, so a client with a full buffer
// drops this update (the cache still holds the value, a later refresh
// recovers it).
func (h *Hub) EmitRealtime(quotes map[market.StockCode]market.Quote) {
	if len(quotes) == 0 {
		return
	}

	payload := make(map[market.StockCode]QuoteUpdate, len(quotes))
	for code, q := range quotes {
		payload[code] = QuoteUpdate{RealtimePrice: q.Price, RealtimeChange: q.ChangePct}
	}
	frame, err := marshalEnvelope(eventRealtimeUpdate, payload)
	if err != nil {
		log.Printf("[gateway] marshal realtime_update: %v", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range clients {
		if !c.trySend(frame) {
			dropped++
		}
	}
	h.metrics.RecordEmission(len(payload))
	if dropped > 0 {
		log.Printf("[gateway] emitted %d quotes, dropped for %d slow clients", len(payload), dropped)
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops accepting emissions.
func (h *Hub) Close() {
	h.closed.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// remove unregisters a departed client.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		h.metrics.GatewayClientConnected(-1)
		log.Printf("[gateway] client disconnected")
	}
}

// handleInbound dispatches one parsed client message.
func (h *Hub) handleInbound(env envelope) {
	switch env.Event {
	case eventRefreshRequest:
		var req refreshPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				log.Printf("[gateway] malformed refresh request: %v", err)
				return
			}
		}
		if len(req.Dashboards) == 0 {
			req.Dashboards = []string{"all"}
		}
		if h.refresh != nil {
			h.refresh(req.Dashboards)
		}
	default:
		log.Printf("[gateway] ignoring unknown event %q", env.Event)
	}
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}
