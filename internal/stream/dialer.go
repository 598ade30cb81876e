package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/sse"
)

// DefaultUserAgent is sent with every streaming request unless overridden.
const DefaultUserAgent = "mstream/dev"

// EventReader yields raw events from one physical connection attempt.
// It follows the sse.Decoder iteration contract and is not restartable.
type EventReader interface {
	Next() bool
	Event() sse.Event
	// Err returns nil if the stream ended gracefully.
	Err() error
	Close() error
}

// Dialer opens one physical streaming connection for a key.
// Cancelling ctx must abort both the dial and any blocked Next call.
type Dialer interface {
	Dial(ctx context.Context, key domain.ConnectionKey) (EventReader, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, key domain.ConnectionKey) (EventReader, error)

// Dial calls f(ctx, key).
func (f DialerFunc) Dial(ctx context.Context, key domain.ConnectionKey) (EventReader, error) {
	return f(ctx, key)
}

// SSEDialer opens text/event-stream connections over HTTP.
type SSEDialer struct {
	// Client performs the request. No overall timeout may be set on it: the
	// response body is read for as long as the stream lives.
	Client    *http.Client
	UserAgent string
}

// NewSSEDialer creates an SSEDialer with a default client.
func NewSSEDialer(userAgent string) *SSEDialer {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &SSEDialer{
		Client:    &http.Client{},
		UserAgent: userAgent,
	}
}

// Dial issues the streaming GET request and returns a decoder over its body.
func (d *SSEDialer) Dial(ctx context.Context, key domain.ConnectionKey) (EventReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.StreamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key.Token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", key.Host(), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, domain.NewStatusError(resp.StatusCode, resp.Status)
	}

	return &bodyReader{
		Decoder: sse.NewDecoder(resp.Body),
		body:    resp.Body,
	}, nil
}

type bodyReader struct {
	*sse.Decoder
	body io.Closer
}

func (r *bodyReader) Close() error {
	return r.body.Close()
}
