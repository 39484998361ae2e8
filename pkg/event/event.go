package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event
type EventType string

// System events
const (
	EventConnected    EventType = "system.connected"
	EventDisconnected EventType = "system.disconnected"
	EventAttached     EventType = "system.attached"
)

// Fabric events
const (
	EventNotification         EventType = "fabric.notification"
	EventPeerEvent            EventType = "fabric.event"
	EventConfigurationUpdated EventType = "fabric.configuration"
	EventTopicListUpdated     EventType = "fabric.topics"
)

// Event represents a system or fabric event
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Handler is a function that handles events
type Handler func(event *Event) error

// HandlerInfo contains handler information
type HandlerInfo struct {
	Handler  Handler
	Priority int
	Async    bool
}
