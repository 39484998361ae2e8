package fabric

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrNotConnected     = errors.New("fabric client is not connected")
	ErrNotAttached      = errors.New("endpoint is not attached to a user")
	ErrUnavailableTopic = errors.New("topic is unavailable")
	ErrAttachRejected   = errors.New("identity attachment rejected")
)

// State represents the client lifecycle state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAttached
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAttached:
		return "attached"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type SubscriptionType string

const (
	MandatorySubscription SubscriptionType = "mandatory"
	OptionalSubscription  SubscriptionType = "optional"
)

// Topic is a notification channel offered by the fabric.
type Topic struct {
	ID               int64            `json:"id" yaml:"id"`
	Name             string           `json:"name" yaml:"name"`
	SubscriptionType SubscriptionType `json:"subscriptionType" yaml:"subscriptionType"`
}

// Profile describes the endpoint to the fabric.
type Profile struct {
	SerialNumber    string `json:"serialNumber"`
	Platform        string `json:"platform"`
	FirmwareVersion string `json:"firmwareVersion"`
}

// Notification is a payload received on a subscribed topic.
type Notification struct {
	TopicID int64
	Payload json.RawMessage
}

func (n Notification) Decode(v interface{}) error {
	return json.Unmarshal(n.Payload, v)
}

// Envelope is the wire form of an event exchanged between endpoints.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Source    string          `json:"source"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PeerEvent is an event received from another endpoint.
type PeerEvent struct {
	Kind    string
	Source  string
	Payload json.RawMessage
}

func (e PeerEvent) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s carries no payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, v)
}

// AttachRequest is the parameter of the "attach" call.
type AttachRequest struct {
	ExternalID  string `json:"externalId"`
	AccessToken string `json:"accessToken"`
}

// AttachResponse is the result of a successful "attach" call.
type AttachResponse struct {
	UserID string `json:"userId"`
}
