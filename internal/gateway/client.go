package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket session budgets, per the gorilla chat-example conventions.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4 * 1024

	// sendBuffer bounds per-client queued frames; a full buffer means the
	// client is too slow and the frame is dropped for it.
	sendBuffer = 32
)

// Client is one connected websocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// mu orders trySend against close so a frame is never sent on a
	// closed channel.
	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// trySend queues a frame without blocking. Reports false when the client's
// buffer is full or the session is closing.
func (c *Client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close tears the session down exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

// readPump parses inbound envelopes until the connection drops. It owns
// the read side: deadlines, size limit, pong handling.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.hub.handleInbound(env)
	}
}

// writePump flushes queued frames and keeps the connection alive with
// pings. It owns the write side; the hub never writes to conn directly.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.hub.done:
			return
		}
	}
}
