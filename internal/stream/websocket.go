package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/sse"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the WebSocket upgrade handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// WebSocketDialer opens the multiplexed WebSocket flavour of the streaming
// API (/api/v1/streaming?stream=...). Each frame is a JSON envelope that is
// mapped onto the same raw event shape the event-stream decoder produces.
type WebSocketDialer struct {
	Dialer    *websocket.Dialer
	UserAgent string
}

// NewWebSocketDialer creates a WebSocketDialer with default settings.
func NewWebSocketDialer(userAgent string) *WebSocketDialer {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultHandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		UserAgent: userAgent,
	}
}

// websocketURL converts the key into ws(s)://host/api/v1/streaming?stream=...
func websocketURL(key domain.ConnectionKey) string {
	base := key.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := key.Endpoint.Query()
	q.Set("stream", key.Endpoint.Stream)
	return base + domain.StreamingBasePath + "?" + q.Encode()
}

// Dial performs the WebSocket handshake with the bearer token attached.
func (d *WebSocketDialer) Dial(ctx context.Context, key domain.ConnectionKey) (EventReader, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+key.Token)
	if d.UserAgent != "" {
		header.Set("User-Agent", d.UserAgent)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, websocketURL(key), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, domain.NewStatusError(resp.StatusCode, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", key.Host(), err)
	}

	r := &frameReader{
		conn: conn,
		stop: make(chan struct{}),
	}
	// Unblock ReadMessage when the attempt is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.stop:
		}
	}()
	return r, nil
}

// envelope is the JSON frame sent by the WebSocket streaming API.
type envelope struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

type frameReader struct {
	conn    *websocket.Conn
	current sse.Event
	err     error
	stop    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (r *frameReader) Next() bool {
	for {
		msgType, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.err = err
			}
			return false
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			// Same policy as malformed event-stream lines.
			continue
		}
		r.current = sse.Event{Type: env.Event, Data: env.Payload}
		return true
	}
}

func (r *frameReader) Event() sse.Event {
	return r.current
}

func (r *frameReader) Err() error {
	return r.err
}

func (r *frameReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		_ = r.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

// Ensure both dialers implement Dialer.
var (
	_ Dialer = (*SSEDialer)(nil)
	_ Dialer = (*WebSocketDialer)(nil)
)

// NewDialer returns the dialer for a configured transport name ("sse" or "websocket").
func NewDialer(transport, userAgent string) (Dialer, error) {
	switch transport {
	case "", TransportSSE:
		return NewSSEDialer(userAgent), nil
	case TransportWebSocket:
		return NewWebSocketDialer(userAgent), nil
	}
	return nil, fmt.Errorf("unknown stream transport %q", transport)
}

// Transport names accepted by NewDialer.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)
