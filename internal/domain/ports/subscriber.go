// Package ports defines the contracts between the streaming core and its consumers.
package ports

import (
	"github.com/brianly1003/mstream/internal/domain/events"
)

// Subscriber represents an event subscriber attached to a multiplexed stream.
type Subscriber interface {
	// ID returns a unique identifier for this subscriber.
	ID() string

	// Send delivers an event to this subscriber. It must not block.
	// Returns error if the subscriber is closed or cannot keep up.
	Send(event events.Event) error

	// Close closes the subscriber.
	Close() error

	// Done returns a channel that's closed when the subscriber is done.
	Done() <-chan struct{}
}

// EventSource is a shared stream that subscribers can attach to.
type EventSource interface {
	// Attach registers a subscriber. The first subscriber starts the
	// underlying connection.
	Attach(sub Subscriber) error

	// Detach removes a subscriber by ID. Removing the last one closes the
	// underlying connection.
	Detach(id string)

	// SubscriberCount returns the number of attached subscribers.
	SubscriberCount() int
}
