// Package mqtttest provides an in-memory broker whose clients satisfy
// mqtt.Transport, so fabric components can be exercised without a network.
package mqtttest

import (
	"strings"
	"sync"

	"github.com/iot-go-garage/pkg/mqtt"
)

// Message is a publish recorded by the Broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	Retained bool
}

type subscription struct {
	client  *Client
	filter  string
	handler mqtt.MessageHandler
}

// Broker routes publishes to matching subscriptions synchronously.
type Broker struct {
	mu        sync.Mutex
	subs      []subscription
	published []Message
	retained  map[string]Message
}

func NewBroker() *Broker {
	return &Broker{retained: make(map[string]Message)}
}

// NewClient returns a disconnected client attached to b.
func (b *Broker) NewClient(id string) *Client {
	return &Client{id: id, broker: b}
}

// Published returns every message published so far, in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the messages whose topic matches filter.
func (b *Broker) PublishedTo(filter string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if Match(filter, m.Topic) {
			out = append(out, m)
		}
	}
	return out
}

func (b *Broker) publish(msg Message) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	if msg.Retained {
		b.retained[msg.Topic] = msg
	}
	var targets []subscription
	for _, s := range b.subs {
		if s.client.IsConnected() && Match(s.filter, msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.handler(msg.Topic, msg.Payload)
	}
}

func (b *Broker) subscribe(s subscription) {
	b.mu.Lock()
	kept := b.subs[:0]
	for _, existing := range b.subs {
		if existing.client != s.client || existing.filter != s.filter {
			kept = append(kept, existing)
		}
	}
	b.subs = append(kept, s)

	var retained []Message
	for topic, m := range b.retained {
		if Match(s.filter, topic) {
			retained = append(retained, m)
		}
	}
	b.mu.Unlock()

	for _, m := range retained {
		s.handler(m.Topic, m.Payload)
	}
}

func (b *Broker) unsubscribe(c *Client, filter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.client != c || (filter != "" && s.filter != filter) {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Subscriptions lists the filters client id currently holds.
func (b *Broker) Subscriptions(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, s := range b.subs {
		if s.client.id == id {
			out = append(out, s.filter)
		}
	}
	return out
}

// Client is an in-memory mqtt.Transport.
type Client struct {
	id         string
	broker     *Broker
	mu         sync.RWMutex
	connected  bool
	ConnectErr error
	// SubscribeErr, when set, fails every Subscribe.
	SubscribeErr error
}

var _ mqtt.Transport = (*Client)(nil)

func (c *Client) Connect() error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.broker.unsubscribe(c, "")
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return mqtt.ErrNotConnected
	}
	c.broker.publish(Message{ClientID: c.id, Topic: topic, Payload: payload, Retained: retained})
	return nil
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if !c.IsConnected() {
		return mqtt.ErrNotConnected
	}
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.broker.subscribe(subscription{client: c, filter: topic, handler: handler})
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return mqtt.ErrNotConnected
	}
	c.broker.unsubscribe(c, topic)
	return nil
}

// Match reports whether topic matches the MQTT filter, honouring the + and #
// wildcards.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
