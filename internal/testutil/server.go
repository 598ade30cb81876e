package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// StreamServer is an httptest server speaking the event-stream protocol of
// the streaming API. Every accepted request becomes a client that receives
// the frames pushed with Send.
type StreamServer struct {
	*httptest.Server

	token string

	mu          sync.Mutex
	connections int
	clients     map[int]*streamClient
	nextID      int
	paths       []string
	rejectWith  int
}

type streamClient struct {
	frames chan string
	drop   chan struct{}
}

// NewStreamServer starts a server that accepts requests bearing token.
// The server is closed when the test ends.
func NewStreamServer(t *testing.T, token string) *StreamServer {
	t.Helper()
	s := &StreamServer{
		token:   token,
		clients: make(map[int]*streamClient),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.DropAll()
		s.Server.Close()
	})
	return s
}

func (s *StreamServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, `{"error":"The access token is invalid"}`, http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.connections++
	s.paths = append(s.paths, r.URL.RequestURI())
	if code := s.rejectWith; code != 0 {
		s.mu.Unlock()
		http.Error(w, http.StatusText(code), code)
		return
	}
	id := s.nextID
	s.nextID++
	c := &streamClient{
		frames: make(chan string, 256),
		drop:   make(chan struct{}),
	}
	s.clients[id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ":)\n")
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.drop:
			return
		case frame := <-c.frames:
			if _, err := fmt.Fprint(w, frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Send pushes one event to every connected client.
func (s *StreamServer) Send(event, data string) {
	s.SendRaw(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// SendRaw pushes raw wire text to every connected client.
func (s *StreamServer) SendRaw(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.frames <- frame
	}
}

// DropAll ends every active response, as a server restart would.
func (s *StreamServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		close(c.drop)
		delete(s.clients, id)
	}
}

// RejectWith makes subsequent requests fail with the given HTTP status.
// Zero restores normal operation.
func (s *StreamServer) RejectWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectWith = code
}

// Connections returns the number of authorized requests received so far.
func (s *StreamServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Active returns the number of currently connected clients.
func (s *StreamServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Paths returns the request URIs received so far.
func (s *StreamServer) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// WaitForActive blocks until exactly n clients are connected.
func (s *StreamServer) WaitForActive(t *testing.T, n int) {
	t.Helper()
	WaitFor(t, 2*time.Second, fmt.Sprintf("%d active stream clients", n), func() bool {
		return s.Active() == n
	})
}
