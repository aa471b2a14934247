package domain

import (
	"context"
	"time"
)

// EventType is the dispatch event name, e.g. "MESSAGE_CREATE".
type EventType string

// Dispatch events with typed payloads in the registry.
const (
	EventTypeReady             EventType = "READY"
	EventTypeResumed           EventType = "RESUMED"
	EventTypeMessageCreate     EventType = "MESSAGE_CREATE"
	EventTypeMessageUpdate     EventType = "MESSAGE_UPDATE"
	EventTypeMessageDelete     EventType = "MESSAGE_DELETE"
	EventTypeGuildCreate       EventType = "GUILD_CREATE"
	EventTypeGuildDelete       EventType = "GUILD_DELETE"
	EventTypeTypingStart       EventType = "TYPING_START"
	EventTypePresenceUpdate    EventType = "PRESENCE_UPDATE"
	EventTypeInteractionCreate EventType = "INTERACTION_CREATE"
)

// Event is the envelope handed to the event router for every decoded dispatch.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  int64     `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventHandler is a callback for bus events.
type EventHandler func(ctx context.Context, event Event)

// EventRouter receives decoded dispatch events from the gateway.
// Route must not block its caller and owns its own timeout discipline.
type EventRouter interface {
	Route(ctx context.Context, event Event) error
}

// EventBus provides publish/subscribe for dispatch events.
type EventBus interface {
	EventRouter
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
