package hub

import (
	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/domain/ports"
	"github.com/brianly1003/mstream/internal/sync"
)

// DefaultBufferSize is the per-subscription event buffer.
const DefaultBufferSize = 256

// Subscription is a consumer-held handle over a multiplexed stream. Events
// arrive on Events() in wire order until Cancel is called or the stream is
// shut down, at which point the channel is closed.
type Subscription struct {
	id     string
	send   chan events.Event
	done   chan struct{}
	detach func(id string)

	mu     sync.Mutex
	closed bool
}

// NewSubscription creates a detached channel subscription. The multiplexer
// wires detach when the subscription is attached.
func NewSubscription(id string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Subscription{
		id:   id,
		send: make(chan events.Event, bufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Send queues an event without blocking. A full buffer ends the
// subscription: the channel is closed after the events already queued, so a
// slow consumer sees a truncated stream, never one with a gap.
func (s *Subscription) Send(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSubscriptionClosed
	}

	select {
	case s.send <- event:
		return nil
	default:
		s.closeLocked()
		return domain.ErrSubscriberTooSlow
	}
}

// Close completes the event channel. Consumers should call Cancel instead,
// which also detaches the subscription from its stream.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.send)
}

// Cancel detaches the subscription. It never waits for I/O. Events that
// arrive after it returns are not queued; events already buffered can
// still be drained from Events until the channel reports closed. Safe to
// call more than once.
func (s *Subscription) Cancel() {
	if s.detach != nil {
		s.detach(s.id)
	}
	_ = s.Close()
}

// Done returns a channel that's closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Events returns the channel to receive events from.
func (s *Subscription) Events() <-chan events.Event {
	return s.send
}

// LogSubscriber is a subscriber that hands each event to a callback. The
// callback runs on the stream's goroutine and must return quickly.
type LogSubscriber struct {
	id    string
	done  chan struct{}
	logFn func(event events.Event)

	mu     sync.Mutex
	closed bool
}

// NewLogSubscriber creates a new log subscriber.
func NewLogSubscriber(id string, logFn func(event events.Event)) *LogSubscriber {
	return &LogSubscriber{
		id:    id,
		done:  make(chan struct{}),
		logFn: logFn,
	}
}

// ID returns the subscriber's unique identifier.
func (s *LogSubscriber) ID() string {
	return s.id
}

// Send passes the event to the callback.
func (s *LogSubscriber) Send(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSubscriptionClosed
	}
	if s.logFn != nil {
		s.logFn(event)
	}
	return nil
}

// Close closes the subscriber.
func (s *LogSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Done returns a channel that's closed when the subscriber is done.
func (s *LogSubscriber) Done() <-chan struct{} {
	return s.done
}

var (
	_ ports.Subscriber = (*Subscription)(nil)
	_ ports.Subscriber = (*LogSubscriber)(nil)
)
