// Package stream implements a self-healing streaming connection: one logical
// subscription to one endpoint that redials with throttled retry until it is
// explicitly closed.
//
// State machine:
//
//	Idle ──Open()──▶ Connecting ──first event──▶ Open
//	                     ▲                         │
//	                     │      error / EOF        │
//	                     └──────── Backoff ◀───────┘
//
//	any state ──Close()──▶ Closed (terminal)
//
// Transport errors, HTTP error statuses and decode errors are all retried;
// none of them reach subscribers. Consumers observe recovery through the
// opened event emitted at the start of every successful attempt.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/router"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/rs/zerolog/log"
)

var errStreamEnded = errors.New("stream ended by server")

// Options configures a Connection.
type Options struct {
	Key    domain.ConnectionKey
	Dialer Dialer
	Router *router.Router
	Policy ThrottlePolicy

	// Emit receives every domain event on the connection's goroutine, in
	// wire order. It must not block.
	Emit func(events.Event)

	// OnStateChange is called with the connection's lock held on every
	// transition, so it must not call back into the Connection.
	OnStateChange func(State)
}

// Stats is a snapshot of a connection's lifecycle counters.
type Stats struct {
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	Opens       int       `json:"opens"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastOpened  time.Time `json:"last_opened,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Connection owns the reconnect loop for one ConnectionKey. At most one
// physical connection is live at a time and only while the state is Open or
// Connecting.
type Connection struct {
	key      domain.ConnectionKey
	dialer   Dialer
	router   *router.Router
	policy   ThrottlePolicy
	emit     func(events.Event)
	onChange func(State)
	now      func() time.Time

	mu      sync.Mutex
	state   State
	started bool
	closed  bool
	cancel  context.CancelFunc
	stats   Stats

	done chan struct{}
}

// New creates an idle Connection. Call Open to start streaming.
func New(opts Options) *Connection {
	if opts.Router == nil {
		opts.Router = router.New(opts.Key.Endpoint)
	}
	if opts.Dialer == nil {
		opts.Dialer = NewSSEDialer("")
	}
	return &Connection{
		key:      opts.Key,
		dialer:   opts.Dialer,
		router:   opts.Router,
		policy:   opts.Policy,
		emit:     opts.Emit,
		onChange: opts.OnStateChange,
		now:      time.Now,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// Key returns the key this connection streams.
func (c *Connection) Key() domain.ConnectionKey {
	return c.key
}

// Open starts the reconnect loop. Opening a running connection is a no-op;
// opening a closed one returns domain.ErrConnectionClosed.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.run(ctx)

	log.Debug().Str("stream", c.key.String()).Msg("stream connection opened")
	return nil
}

// Close stops the connection, cancelling any in-flight attempt or pending
// backoff. It returns domain.ErrConnectionClosed if already closed. Teardown
// of the physical connection completes asynchronously; see Done.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	c.closed = true
	c.transitionLocked(StateClosed)
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		close(c.done)
	}

	log.Debug().Str("stream", c.key.String()).Msg("stream connection closed")
	return nil
}

// Done returns a channel that's closed once the reconnect loop has exited
// and its physical connection is released.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state
	return s
}

// transitionLocked moves to s unless the connection is already closed.
// c.mu must be held.
func (c *Connection) transitionLocked(s State) bool {
	if c.state == StateClosed {
		return false
	}
	if c.state == s {
		return true
	}
	c.state = s
	if c.onChange != nil {
		c.onChange(s)
	}
	return true
}

func (c *Connection) transition(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(s)
}

// run is the reconnect loop. Exactly one runs per Connection.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	failures := 0
	everOpened := false

	for attempt := 1; ; attempt++ {
		if !c.transition(StateConnecting) {
			return
		}

		start := c.now()
		c.mu.Lock()
		c.stats.Attempts++
		c.stats.LastAttempt = start
		c.mu.Unlock()

		opened, err := c.attempt(ctx, attempt, everOpened)
		if ctx.Err() != nil {
			return
		}

		if opened {
			everOpened = true
			failures = 0
		} else {
			failures++
		}

		c.mu.Lock()
		c.stats.LastError = err.Error()
		c.mu.Unlock()

		if c.policy.Exhausted(failures) {
			log.Warn().
				Err(err).
				Str("stream", c.key.String()).
				Int("failures", failures).
				Msg("giving up on stream after repeated failures")
			c.giveUp()
			return
		}

		delay := c.policy.Delay(start, c.now())
		log.Debug().
			Err(err).
			Str("stream", c.key.String()).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("stream disconnected")

		if !c.transition(StateBackoff) {
			return
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// attempt runs one physical connection until it ends. It reports whether the
// attempt reached the open state and why it ended.
func (c *Connection) attempt(ctx context.Context, attempt int, reconnect bool) (bool, error) {
	reader, err := c.dialer.Dial(ctx, c.key)
	if err != nil {
		return false, err
	}
	defer func() { _ = reader.Close() }()

	opened := false
	for reader.Next() {
		if ctx.Err() != nil {
			return opened, ctx.Err()
		}
		if !opened {
			opened = true
			if !c.markOpen() {
				return true, domain.ErrConnectionClosed
			}
			log.Debug().
				Str("stream", c.key.String()).
				Int("attempt", attempt).
				Bool("reconnect", reconnect).
				Msg("stream open")
			c.deliver(events.NewOpenedEvent(c.key.Endpoint.String(), reconnect, attempt))
		}
		if ev, ok := c.router.Route(reader.Event()); ok {
			c.deliver(ev)
		}
	}

	if err := reader.Err(); err != nil {
		return opened, err
	}
	return opened, errStreamEnded
}

func (c *Connection) markOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transitionLocked(StateOpen) {
		return false
	}
	c.stats.Opens++
	c.stats.LastOpened = c.now()
	return true
}

func (c *Connection) deliver(ev events.Event) {
	if c.emit != nil {
		c.emit(ev)
	}
}

// giveUp closes the connection from inside the loop once the retry policy
// is exhausted.
func (c *Connection) giveUp() {
	c.mu.Lock()
	c.closed = true
	c.transitionLocked(StateClosed)
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
}
