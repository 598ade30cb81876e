package journal

import (
	"context"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/domain/ports"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Sink is a subscriber that writes every event it receives to a journal.
// Writes happen on the sink's own goroutine so the stream never waits on
// disk I/O.
type Sink struct {
	id      string
	account string
	journal *Journal
	queue   chan events.Event
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSink starts a sink recording events for account.
func NewSink(j *Journal, account string, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &Sink{
		id:      "journal-" + uuid.NewString(),
		account: account,
		journal: j,
		queue:   make(chan events.Event, bufferSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the subscriber's unique identifier.
func (s *Sink) ID() string {
	return s.id
}

// Send queues an event for writing without blocking.
func (s *Sink) Send(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSubscriptionClosed
	}
	select {
	case s.queue <- event:
		return nil
	default:
		return domain.ErrSubscriberTooSlow
	}
}

// Close stops accepting events. Queued events are still written; Done is
// closed once they are.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.queue)
	return nil
}

// Done returns a channel that's closed when all queued events are written.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.journal.Record(ctx, s.account, event); err != nil {
			log.Warn().
				Err(err).
				Str("account", s.account).
				Str("event_type", string(event.Type())).
				Msg("failed to journal event")
		}
		cancel()
	}
}

var _ ports.Subscriber = (*Sink)(nil)
