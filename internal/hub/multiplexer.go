// Package hub shares one streaming connection per endpoint across any number
// of independently cancellable subscriptions.
package hub

import (
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/domain/ports"
	"github.com/brianly1003/mstream/internal/router"
	"github.com/brianly1003/mstream/internal/stream"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options configures a Multiplexer.
type Options struct {
	Key        domain.ConnectionKey
	Dialer     stream.Dialer
	Policy     stream.ThrottlePolicy
	BufferSize int
}

// Stats is a snapshot of a multiplexer for status reporting.
type Stats struct {
	Key         string        `json:"key"`
	Endpoint    string        `json:"endpoint"`
	State       stream.State  `json:"state"`
	Subscribers int           `json:"subscribers"`
	Connections int           `json:"connections"`
	Router      router.Stats  `json:"router"`
	Connection  *stream.Stats `json:"connection,omitempty"`
}

// Multiplexer owns at most one stream.Connection for its key and broadcasts
// every event it produces to all attached subscribers.
//
// Lock order is mu, then the connection's lock, then obsMu. subMu is only
// ever taken on its own or under mu, so the connection goroutine can
// broadcast while mu is held by an attach waiting for a previous
// connection to wind down.
type Multiplexer struct {
	key        domain.ConnectionKey
	dialer     stream.Dialer
	policy     stream.ThrottlePolicy
	bufferSize int
	router     *router.Router

	// mu serializes attach, detach and connection swaps.
	mu          sync.Mutex
	conn        *stream.Connection
	prev        *stream.Connection
	closed      bool
	connections int

	subMu       sync.RWMutex
	subscribers map[string]ports.Subscriber

	obsMu     sync.Mutex
	state     stream.State
	observers map[int]func(stream.State)
	nextObs   int
}

// New creates a Multiplexer. No connection is made until the first subscriber
// attaches.
func New(opts Options) *Multiplexer {
	if opts.Dialer == nil {
		opts.Dialer = stream.NewSSEDialer("")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Multiplexer{
		key:         opts.Key,
		dialer:      opts.Dialer,
		policy:      opts.Policy,
		bufferSize:  opts.BufferSize,
		router:      router.New(opts.Key.Endpoint),
		subscribers: make(map[string]ports.Subscriber),
		state:       stream.StateIdle,
		observers:   make(map[int]func(stream.State)),
	}
}

// Key returns the connection key this multiplexer streams.
func (m *Multiplexer) Key() domain.ConnectionKey {
	return m.key
}

// Subscribe attaches a new subscription receiving every event of the stream.
func (m *Multiplexer) Subscribe() (*Subscription, error) {
	sub := NewSubscription(uuid.NewString(), m.bufferSize)
	sub.detach = m.Detach
	if err := m.Attach(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscribeFiltered attaches a subscription receiving only the given event
// types, plus opened events. It fails with domain.ErrUnsupportedEvent when
// the endpoint never carries one of the types, such as notifications on a
// public timeline.
func (m *Multiplexer) SubscribeFiltered(types ...events.EventType) (*Subscription, error) {
	for _, t := range types {
		if !m.router.Supports(t) {
			return nil, domain.ErrUnsupportedEvent
		}
	}

	sub := NewSubscription(uuid.NewString(), m.bufferSize)
	sub.detach = m.Detach
	if err := m.Attach(NewFilteredSubscriber(sub, types...)); err != nil {
		return nil, err
	}
	return sub, nil
}

// Supports reports whether the endpoint carries events of type t.
func (m *Multiplexer) Supports(t events.EventType) bool {
	return m.router.Supports(t)
}

// Attach registers sub and opens the shared connection if it is the first.
func (m *Multiplexer) Attach(sub ports.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrMultiplexerClosed
	}

	if m.conn == nil {
		conn := m.connectLocked()
		m.addSubscriber(sub)
		if err := conn.Open(); err != nil {
			m.removeSubscriber(sub.ID())
			m.conn = nil
			_ = conn.Close()
			return err
		}
	} else {
		m.addSubscriber(sub)
	}

	log.Debug().
		Str("stream", m.key.String()).
		Str("subscriber_id", sub.ID()).
		Msg("subscriber attached")
	return nil
}

// Detach removes a subscriber and completes its event sequence. Removing the
// last subscriber closes the shared connection. Unknown IDs are ignored.
func (m *Multiplexer) Detach(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, remaining, ok := m.removeSubscriber(id)
	if !ok {
		return
	}
	_ = sub.Close()

	log.Debug().
		Str("stream", m.key.String()).
		Str("subscriber_id", id).
		Int("remaining", remaining).
		Msg("subscriber detached")

	if remaining == 0 && m.conn != nil {
		m.teardownLocked()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (m *Multiplexer) SubscriberCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers)
}

// State returns the state of the current connection, or of the last one
// if none is active.
func (m *Multiplexer) State() stream.State {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	return m.state
}

// Watch calls fn with the current state and then on every state change of
// whichever connection the multiplexer owns. fn runs with internal locks
// held and must not call back into the multiplexer. The returned function
// stops the notifications.
func (m *Multiplexer) Watch(fn func(stream.State)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	fn(m.state)
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Stats returns a snapshot for status reporting.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	conn := m.conn
	connections := m.connections
	m.mu.Unlock()

	s := Stats{
		Key:         m.key.String(),
		Endpoint:    m.key.Endpoint.String(),
		State:       m.State(),
		Subscribers: m.SubscriberCount(),
		Connections: connections,
		Router:      m.router.Stats(),
	}
	if conn != nil {
		cs := conn.Stats()
		s.Connection = &cs
	}
	return s
}

// Close detaches every subscriber and closes the connection. The
// multiplexer cannot be used afterwards.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrMultiplexerClosed
	}
	m.closed = true
	subs := m.drainSubscribers()
	if m.conn != nil {
		m.teardownLocked()
	}
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Wait blocks until the last connection has released its network resources
// or the timeout expires. It reports whether teardown completed.
func (m *Multiplexer) Wait(timeout time.Duration) bool {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		conn = m.prev
	}
	m.mu.Unlock()

	if conn == nil {
		return true
	}
	select {
	case <-conn.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// connectLocked creates the next connection once the previous one has fully
// released its socket. m.mu must be held.
func (m *Multiplexer) connectLocked() *stream.Connection {
	if m.prev != nil {
		<-m.prev.Done()
		m.prev = nil
	}

	conn := stream.New(stream.Options{
		Key:           m.key,
		Dialer:        m.dialer,
		Router:        m.router,
		Policy:        m.policy,
		Emit:          m.broadcast,
		OnStateChange: m.notify,
	})
	m.conn = conn
	m.connections++

	go m.watch(conn)
	return conn
}

// teardownLocked closes the current connection. m.mu must be held.
func (m *Multiplexer) teardownLocked() {
	conn := m.conn
	m.conn = nil
	m.prev = conn
	_ = conn.Close()

	log.Debug().
		Str("stream", m.key.String()).
		Msg("last subscriber gone, stream connection released")
}

// watch completes all subscriptions when a connection closes itself because
// its retry policy ran out.
func (m *Multiplexer) watch(conn *stream.Connection) {
	<-conn.Done()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.prev = conn
	subs := m.drainSubscribers()
	m.mu.Unlock()

	log.Warn().
		Str("stream", m.key.String()).
		Int("subscribers", len(subs)).
		Msg("stream connection gave up, completing subscriptions")

	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (m *Multiplexer) broadcast(event events.Event) {
	var failed []string

	m.subMu.RLock()
	for id, sub := range m.subscribers {
		if err := sub.Send(event); err != nil {
			log.Warn().
				Str("stream", m.key.String()).
				Str("subscriber_id", id).
				Err(err).
				Msg("failed to send event to subscriber")
			failed = append(failed, id)
		}
	}
	m.subMu.RUnlock()

	if len(failed) > 0 {
		m.dropSubscribers(failed)
	}
}

// dropSubscribers removes subscribers that failed a send before the next
// event is broadcast. Releasing the connection needs m.mu, which an attach
// may hold while waiting on this goroutine, so it happens asynchronously.
func (m *Multiplexer) dropSubscribers(ids []string) {
	idle := false
	for _, id := range ids {
		sub, remaining, ok := m.removeSubscriber(id)
		if !ok {
			continue
		}
		_ = sub.Close()
		idle = remaining == 0
	}
	if idle {
		go m.releaseIfIdle()
	}
}

func (m *Multiplexer) releaseIfIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.SubscriberCount() == 0 {
		m.teardownLocked()
	}
}

func (m *Multiplexer) notify(s stream.State) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.state = s
	for _, fn := range m.observers {
		fn(s)
	}
}

func (m *Multiplexer) addSubscriber(sub ports.Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers[sub.ID()] = sub
}

func (m *Multiplexer) removeSubscriber(id string) (ports.Subscriber, int, bool) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	sub, ok := m.subscribers[id]
	if ok {
		delete(m.subscribers, id)
	}
	return sub, len(m.subscribers), ok
}

func (m *Multiplexer) drainSubscribers() []ports.Subscriber {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := make([]ports.Subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subscribers = make(map[string]ports.Subscriber)
	return subs
}

var _ ports.EventSource = (*Multiplexer)(nil)
