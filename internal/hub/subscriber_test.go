package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
)

func TestSubscription_Send(t *testing.T) {
	sub := NewSubscription("test-sub", 10)

	if sub.ID() != "test-sub" {
		t.Errorf("expected ID 'test-sub', got %s", sub.ID())
	}

	event := events.NewStatusDeletedEvent("public:local", "42")
	if err := sub.Send(event); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	select {
	case received := <-sub.Events():
		if received != event {
			t.Errorf("received a different event")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestSubscription_BufferFull(t *testing.T) {
	sub := NewSubscription("test-sub", 2)

	for i := 0; i < 2; i++ {
		if err := sub.Send(events.NewStatusDeletedEvent("user", "1")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	err := sub.Send(events.NewStatusDeletedEvent("user", "1"))
	if !errors.Is(err, domain.ErrSubscriberTooSlow) {
		t.Errorf("expected ErrSubscriberTooSlow, got %v", err)
	}

	// Overflow is terminal: the queued events drain, then the channel ends.
	for i := 0; i < 2; i++ {
		if _, ok := <-sub.Events(); !ok {
			t.Fatalf("queued event %d lost", i)
		}
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected events channel to be closed after overflow")
	}
	if err := sub.Send(events.NewStatusDeletedEvent("user", "2")); !errors.Is(err, domain.ErrSubscriptionClosed) {
		t.Errorf("send after overflow = %v, want ErrSubscriptionClosed", err)
	}
}

func TestSubscription_CancelKeepsBufferedEvents(t *testing.T) {
	sub := NewSubscription("test-sub", 4)
	detached := ""
	sub.detach = func(id string) { detached = id }

	_ = sub.Send(events.NewStatusDeletedEvent("user", "1"))
	_ = sub.Send(events.NewStatusDeletedEvent("user", "2"))
	sub.Cancel()

	if detached != "test-sub" {
		t.Errorf("detach called with %q, want test-sub", detached)
	}
	if err := sub.Send(events.NewStatusDeletedEvent("user", "3")); !errors.Is(err, domain.ErrSubscriptionClosed) {
		t.Errorf("send after Cancel = %v, want ErrSubscriptionClosed", err)
	}

	var ids []string
	for ev := range sub.Events() {
		id, _ := events.AsDeletedID(ev)
		ids = append(ids, id)
	}
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Errorf("drained %v after Cancel, want [1 2]", ids)
	}
}

func TestSubscription_Close(t *testing.T) {
	sub := NewSubscription("test-sub", 10)

	if err := sub.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	select {
	case <-sub.Done():
	default:
		t.Error("expected done channel to be closed")
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("expected events channel to be closed")
	}

	err := sub.Send(events.NewStatusDeletedEvent("user", "1"))
	if !errors.Is(err, domain.ErrSubscriptionClosed) {
		t.Errorf("expected ErrSubscriptionClosed, got %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestSubscription_CancelDetaches(t *testing.T) {
	sub := NewSubscription("test-sub", 10)

	var detached []string
	sub.detach = func(id string) { detached = append(detached, id) }

	sub.Cancel()
	sub.Cancel()

	if len(detached) != 2 || detached[0] != "test-sub" {
		t.Errorf("detach calls = %v", detached)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("expected subscription to be done after Cancel")
	}
}

func TestSubscription_DefaultBuffer(t *testing.T) {
	sub := NewSubscription("test-sub", 0)
	if cap(sub.send) != DefaultBufferSize {
		t.Errorf("buffer = %d, want %d", cap(sub.send), DefaultBufferSize)
	}
}

func TestLogSubscriber(t *testing.T) {
	var logged []events.Event
	sub := NewLogSubscriber("log-sub", func(e events.Event) {
		logged = append(logged, e)
	})

	if sub.ID() != "log-sub" {
		t.Errorf("expected ID 'log-sub', got %s", sub.ID())
	}

	event := events.NewStatusDeletedEvent("user", "9")
	if err := sub.Send(event); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if len(logged) != 1 || logged[0] != event {
		t.Errorf("logged = %v", logged)
	}

	_ = sub.Close()
	if err := sub.Send(event); !errors.Is(err, domain.ErrSubscriptionClosed) {
		t.Errorf("expected ErrSubscriptionClosed, got %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("expected done channel to be closed")
	}
}
