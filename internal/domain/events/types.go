// Package events defines the domain events delivered to stream subscribers.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Connection events
	EventTypeOpened EventType = "opened"

	// Status events
	EventTypeStatusUpdated EventType = "status_updated"
	EventTypeStatusDeleted EventType = "status_deleted"

	// Notification events
	EventTypeNotification EventType = "notification"
)

// AllTypes lists every domain event type.
var AllTypes = []EventType{
	EventTypeOpened,
	EventTypeStatusUpdated,
	EventTypeStatusDeleted,
	EventTypeNotification,
}

// Event is the base interface for all events.
type Event interface {
	// Type returns the event type.
	Type() EventType

	// Timestamp returns when the event was received.
	Timestamp() time.Time

	// ToJSON serializes the event to JSON.
	ToJSON() ([]byte, error)

	// GetStream returns the endpoint the event arrived on (may be empty).
	GetStream() string
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType EventType   `json:"event"`
	EventTime time.Time   `json:"timestamp"`
	Stream    string      `json:"stream,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Type returns the event type.
func (e *BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event was received.
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// GetStream returns the endpoint name the event arrived on.
func (e *BaseEvent) GetStream() string {
	return e.Stream
}

// ToJSON serializes the event to JSON.
func (e *BaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates a new base event with the given type and payload.
func NewEvent(eventType EventType, payload interface{}) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewEventWithStream creates a new event tagged with the endpoint it arrived on.
func NewEventWithStream(eventType EventType, payload interface{}, stream string) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Stream:    stream,
		Payload:   payload,
	}
}

// --- Payloads ---

// OpenedPayload is the payload for opened events. Reconnect is true when the
// connection was re-established after a drop rather than opened for the first time.
type OpenedPayload struct {
	Reconnect bool `json:"reconnect"`
	Attempt   int  `json:"attempt"`
}

// StatusDeletedPayload is the payload for status_deleted events.
type StatusDeletedPayload struct {
	ID string `json:"id"`
}

// NewOpenedEvent creates a new opened event.
func NewOpenedEvent(stream string, reconnect bool, attempt int) *BaseEvent {
	return NewEventWithStream(EventTypeOpened, OpenedPayload{
		Reconnect: reconnect,
		Attempt:   attempt,
	}, stream)
}

// NewStatusUpdatedEvent creates a new status_updated event.
func NewStatusUpdatedEvent(stream string, status *Status) *BaseEvent {
	return NewEventWithStream(EventTypeStatusUpdated, status, stream)
}

// NewStatusDeletedEvent creates a new status_deleted event.
func NewStatusDeletedEvent(stream, id string) *BaseEvent {
	return NewEventWithStream(EventTypeStatusDeleted, StatusDeletedPayload{ID: id}, stream)
}

// NewNotificationEvent creates a new notification event.
func NewNotificationEvent(stream string, n *Notification) *BaseEvent {
	return NewEventWithStream(EventTypeNotification, n, stream)
}

// AsStatus returns the status carried by a status_updated event.
func AsStatus(e Event) (*Status, bool) {
	be, ok := e.(*BaseEvent)
	if !ok || be.EventType != EventTypeStatusUpdated {
		return nil, false
	}
	s, ok := be.Payload.(*Status)
	return s, ok
}

// AsDeletedID returns the status id carried by a status_deleted event.
func AsDeletedID(e Event) (string, bool) {
	be, ok := e.(*BaseEvent)
	if !ok || be.EventType != EventTypeStatusDeleted {
		return "", false
	}
	p, ok := be.Payload.(StatusDeletedPayload)
	return p.ID, ok
}

// AsNotification returns the notification carried by a notification event.
func AsNotification(e Event) (*Notification, bool) {
	be, ok := e.(*BaseEvent)
	if !ok || be.EventType != EventTypeNotification {
		return nil, false
	}
	n, ok := be.Payload.(*Notification)
	return n, ok
}

// AsOpened returns the payload of an opened event.
func AsOpened(e Event) (OpenedPayload, bool) {
	be, ok := e.(*BaseEvent)
	if !ok || be.EventType != EventTypeOpened {
		return OpenedPayload{}, false
	}
	p, ok := be.Payload.(OpenedPayload)
	return p, ok
}
