package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventActionCreated   EventType = "action.created"
	EventActionCompleted EventType = "action.completed"
	EventActionRejected  EventType = "action.rejected"

	EventPermissionGranted EventType = "permission.granted"
	EventPermissionRevoked EventType = "permission.revoked"
	EventDomainRemoved     EventType = "permission.domain.removed"

	EventUnlockStateChanged EventType = "unlock.state.changed"

	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Domain    string          `json:"domain,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler consumes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the in-process pub/sub fabric connecting the action queue,
// the permission service and the transport's push frames.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
