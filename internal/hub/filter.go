package hub

import (
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/domain/ports"
	"github.com/brianly1003/mstream/internal/sync"
)

// FilteredSubscriber wraps a subscriber and forwards only selected event
// types. Opened events are always forwarded so every consumer can tell when
// the stream (re)connected. An empty filter forwards everything.
type FilteredSubscriber struct {
	inner ports.Subscriber
	types map[events.EventType]bool
	mu    sync.RWMutex
}

// NewFilteredSubscriber creates a filtered subscriber wrapping the given subscriber.
func NewFilteredSubscriber(inner ports.Subscriber, types ...events.EventType) *FilteredSubscriber {
	f := &FilteredSubscriber{
		inner: inner,
		types: make(map[events.EventType]bool),
	}
	for _, t := range types {
		f.types[t] = true
	}
	return f
}

// ID returns the subscriber's unique identifier.
func (f *FilteredSubscriber) ID() string {
	return f.inner.ID()
}

// Send sends an event to the subscriber if it passes the filter.
func (f *FilteredSubscriber) Send(event events.Event) error {
	if !f.shouldForward(event) {
		return nil
	}
	return f.inner.Send(event)
}

// Close closes the subscriber.
func (f *FilteredSubscriber) Close() error {
	return f.inner.Close()
}

// Done returns a channel that's closed when the subscriber is done.
func (f *FilteredSubscriber) Done() <-chan struct{} {
	return f.inner.Done()
}

// Allow adds an event type to the filter.
func (f *FilteredSubscriber) Allow(t events.EventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types[t] = true
}

// AllowAll clears the filter, forwarding all events.
func (f *FilteredSubscriber) AllowAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = make(map[events.EventType]bool)
}

// IsFiltering returns true if the subscriber is filtering by type.
func (f *FilteredSubscriber) IsFiltering() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.types) > 0
}

func (f *FilteredSubscriber) shouldForward(event events.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.types) == 0 {
		return true
	}
	if event.Type() == events.EventTypeOpened {
		return true
	}
	return f.types[event.Type()]
}
