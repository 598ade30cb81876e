// Package router classifies raw stream events into typed domain events.
package router

import (
	"sync/atomic"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/sse"
	"github.com/rs/zerolog/log"
)

// Wire event names sent by the streaming API.
const (
	WireUpdate       = "update"
	WireStatusUpdate = "status.update"
	WireDelete       = "delete"
	WireNotification = "notification"
)

// Vocabulary is the set of domain event types an endpoint can produce.
type Vocabulary map[events.EventType]bool

// VocabularyFor returns the event types meaningful for an endpoint. Only
// user streams carry notifications; the notification-only user stream
// carries nothing else.
func VocabularyFor(endpoint domain.Endpoint) Vocabulary {
	v := Vocabulary{events.EventTypeOpened: true}
	if endpoint.Stream != domain.StreamUserNotification {
		v[events.EventTypeStatusUpdated] = true
		v[events.EventTypeStatusDeleted] = true
	}
	if endpoint.IsUser() {
		v[events.EventTypeNotification] = true
	}
	return v
}

// Stats counts how the router disposed of raw events.
type Stats struct {
	Routed  int64 `json:"routed"`
	Dropped int64 `json:"dropped"`
	Ignored int64 `json:"ignored"`
}

// Router maps raw events of one endpoint onto domain events.
// It is safe for concurrent use.
type Router struct {
	stream     string
	vocabulary Vocabulary

	routed  atomic.Int64
	dropped atomic.Int64
	ignored atomic.Int64
}

// New creates a router for the given endpoint.
func New(endpoint domain.Endpoint) *Router {
	return &Router{
		stream:     endpoint.String(),
		vocabulary: VocabularyFor(endpoint),
	}
}

// Supports reports whether the endpoint's vocabulary includes the event type.
func (r *Router) Supports(t events.EventType) bool {
	return r.vocabulary[t]
}

// Route classifies one raw event. It returns false when the event is ignored
// or its payload could not be decoded; a bad payload never ends the stream.
func (r *Router) Route(raw sse.Event) (events.Event, bool) {
	ev, err := r.classify(raw)
	if err != nil {
		r.dropped.Add(1)
		log.Warn().
			Err(err).
			Str("stream", r.stream).
			Str("event_type", raw.Type).
			Msg("dropping malformed stream event")
		return nil, false
	}
	if ev == nil {
		r.ignored.Add(1)
		log.Trace().
			Str("stream", r.stream).
			Str("event_type", raw.Type).
			Msg("ignoring unrecognized stream event")
		return nil, false
	}
	r.routed.Add(1)
	return ev, true
}

func (r *Router) classify(raw sse.Event) (events.Event, error) {
	switch raw.Type {
	case WireUpdate, WireStatusUpdate:
		status, err := events.ParseStatus([]byte(raw.Data))
		if err != nil {
			return nil, domain.NewPayloadError(raw.Type, err)
		}
		return events.NewStatusUpdatedEvent(r.stream, status), nil

	case WireDelete:
		// The payload is the bare id; it is never JSON.
		return events.NewStatusDeletedEvent(r.stream, raw.Data), nil

	case WireNotification:
		n, err := events.ParseNotification([]byte(raw.Data))
		if err != nil {
			return nil, domain.NewPayloadError(raw.Type, err)
		}
		return events.NewNotificationEvent(r.stream, n), nil
	}
	return nil, nil
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:  r.routed.Load(),
		Dropped: r.dropped.Load(),
		Ignored: r.ignored.Load(),
	}
}
