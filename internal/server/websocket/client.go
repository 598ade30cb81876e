// Package websocket relays a stream subscription to a WebSocket peer.
//
// Each Client owns:
//   - one hub.Subscription it drains in writePump
//   - a readPump that only watches for the peer going away
//   - ping/pong keepalive
//
// Message flow: Multiplexer → Subscription.Events() → writePump → WebSocket.
// The subscription is cancelled as soon as either side goes away, and a
// completed subscription closes the socket with a going-away frame.
package websocket

import (
	"time"

	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait is time allowed to write a message to the peer.
	writeWait = 15 * time.Second

	// pongWait is time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Peers only send control frames.
	maxMessageSize = 4096
)

// Client is one relay WebSocket connection.
type Client struct {
	id      string
	conn    *websocket.Conn
	sub     *hub.Subscription
	done    chan struct{}
	onClose func(id string)

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client relaying sub over conn. onClose runs once
// after the connection is torn down.
func NewClient(conn *websocket.Conn, sub *hub.Subscription, onClose func(id string)) *Client {
	return &Client{
		id:      sub.ID(),
		conn:    conn,
		sub:     sub,
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// ID returns the client's unique identifier, which is its subscription's.
func (c *Client) ID() string {
	return c.id
}

// Start starts the client's read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close asks the client to shut down. Safe to call multiple times.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
}

// readPump discards anything the peer sends and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.sub.Cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump forwards subscription events as one text frame each.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	closeCode := websocket.CloseNormalClosure
	defer func() {
		ticker.Stop()
		c.sub.Cancel()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""))
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case event, ok := <-c.sub.Events():
			if !ok {
				closeCode = websocket.CloseGoingAway
				return
			}

			data, err := event.ToJSON()
			if err != nil {
				log.Warn().Err(err).Str("client_id", c.id).Msg("failed to encode event")
				continue
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("ping error")
				return
			}
		}
	}
}
