package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/event"
	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt"
	"github.com/iot-go-garage/pkg/rrpc"
)

const (
	qos    = 1
	source = "fabric"
)

// Client is the endpoint side of the device fabric. Callbacks registered
// with the On* methods never run on the caller's goroutine: peer event
// callbacks run on the event workers, the others in order on the client's
// delivery goroutine. A client is used for a single session: once
// disconnected, or once a connect fails after the transport came up, it
// cannot be connected again.
type Client struct {
	config     *config.Config
	transport  mqtt.Transport
	rpc        *rrpc.Client
	bus        *event.Bus
	storage    *ConfigurationStorage
	endpointID string
	profile    Profile
	logger     *logrus.Entry

	mutex         sync.RWMutex
	state         State
	userID        string
	topics        []Topic
	subscribed    map[int64]bool
	configuration json.RawMessage
}

// NewClient creates a client for the endpoint described by profile.
func NewClient(cfg *config.Config, transport mqtt.Transport, profile Profile) *Client {
	endpointID := cfg.EndpointID(profile.SerialNumber)
	return &Client{
		config:     cfg,
		transport:  transport,
		rpc:        rrpc.NewClient(transport, endpointID),
		bus:        event.NewBus(cfg.App.WorkerCount),
		storage:    NewConfigurationStorage(cfg.Storage.ConfigurationFile),
		endpointID: endpointID,
		profile:    profile,
		logger:     logger.For("fabric"),
		subscribed: make(map[int64]bool),
	}
}

func (c *Client) SetLogger(logger *logrus.Entry) {
	c.logger = logger
	c.rpc.SetLogger(logger)
	c.bus.SetLogger(logger)
}

// EndpointID returns the id this endpoint is known by on the fabric.
func (c *Client) EndpointID() string {
	return c.endpointID
}

func (c *Client) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mutex.Lock()
	c.state = s
	c.mutex.Unlock()
}

// Connect restores the stored configuration, connects the transport,
// reports the profile and syncs topics and configuration with the fabric.
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mutex.Unlock()
		return fmt.Errorf("cannot connect in state %s", state)
	}
	c.state = StateConnecting
	c.mutex.Unlock()

	stored, err := c.storage.Load()
	if err != nil {
		c.logger.Warnf("Ignoring stored configuration: %v", err)
	} else if stored != nil {
		c.mutex.Lock()
		c.configuration = stored
		c.mutex.Unlock()
	}

	if err := c.transport.Connect(); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to fabric: %w", err)
	}

	if err := c.bus.Start(); err != nil {
		c.transport.Disconnect()
		c.setState(StateStopped)
		return fmt.Errorf("failed to start event delivery: %w", err)
	}

	if err := c.transport.Subscribe(TopicListTopic(c.endpointID), qos, c.handleTopicList); err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to subscribe to topic list: %w", err)
	}
	if err := c.transport.Subscribe(ConfigurationTopic(c.endpointID), qos, c.handleConfiguration); err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to subscribe to configuration: %w", err)
	}

	profile, err := json.Marshal(c.profile)
	if err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := c.transport.Publish(ProfileTopic(c.endpointID), profile, qos, true); err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to publish profile: %w", err)
	}

	c.sync(ctx)

	c.setState(StateConnected)
	c.post(event.EventConnected, nil)
	c.logger.Infof("Endpoint %s connected to fabric", c.endpointID)
	return nil
}

// sync asks the fabric to push the topic list and configuration. A fabric
// that does not answer leaves the stored configuration in place.
func (c *Client) sync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.config.MQTT.ConnectTimeout)
	defer cancel()

	resp, err := c.rpc.Call(ctx, "sync", nil)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		c.logger.Warnf("Fabric sync failed: %v", err)
	}
}

func (c *Client) abortConnect() {
	c.transport.Disconnect()
	c.setState(StateStopped)
	if err := c.bus.Stop(); err != nil {
		c.logger.Warnf("Error stopping event delivery: %v", err)
	}
}

// Disconnect ends the session. Callbacks already queued are delivered
// before Disconnect returns.
func (c *Client) Disconnect() {
	c.mutex.Lock()
	if c.state == StateDisconnected || c.state == StateStopped {
		c.mutex.Unlock()
		return
	}
	c.state = StateStopped
	c.mutex.Unlock()

	c.mutex.RLock()
	ids := make([]int64, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.mutex.RUnlock()
	for _, id := range ids {
		if err := c.unsubscribeTopic(id); err != nil {
			c.logger.Debugf("Failed to drop topic %d: %v", id, err)
		}
	}

	c.transport.Disconnect()
	c.post(event.EventDisconnected, nil)
	if err := c.bus.Stop(); err != nil {
		c.logger.Warnf("Error stopping event delivery: %v", err)
	}
	c.logger.Infof("Endpoint %s disconnected from fabric", c.endpointID)
}

// AttachIdentity associates the endpoint with the user owning externalID.
// It blocks until the fabric answers or the attach timeout elapses.
func (c *Client) AttachIdentity(ctx context.Context, externalID, accessToken string) (string, error) {
	if c.State() != StateConnected {
		return "", ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Identity.AttachTimeout)
	defer cancel()

	resp, err := c.rpc.Call(ctx, "attach", AttachRequest{ExternalID: externalID, AccessToken: accessToken})
	if err != nil {
		return "", fmt.Errorf("attach %s: %w", externalID, err)
	}
	if err := resp.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAttachRejected, err)
	}

	var attached AttachResponse
	if err := resp.Decode(&attached); err != nil || !ValidTopicLevel(attached.UserID) {
		return "", fmt.Errorf("%w: malformed response", ErrAttachRejected)
	}

	if err := c.transport.Subscribe(BroadcastTopic(attached.UserID), qos, c.handleEvent); err != nil {
		return "", fmt.Errorf("failed to subscribe to user events: %w", err)
	}
	if err := c.transport.Subscribe(DirectTopic(attached.UserID, c.endpointID), qos, c.handleEvent); err != nil {
		return "", fmt.Errorf("failed to subscribe to user events: %w", err)
	}

	c.mutex.Lock()
	c.userID = attached.UserID
	c.state = StateAttached
	c.mutex.Unlock()

	c.post(event.EventAttached, attached.UserID)
	c.logger.Infof("Endpoint %s attached to user %s", c.endpointID, attached.UserID)
	return attached.UserID, nil
}

// SendEvent delivers an event to target, or to every other endpoint of the
// user when target is empty.
func (c *Client) SendEvent(kind string, payload interface{}, target string) error {
	c.mutex.RLock()
	userID, state := c.userID, c.state
	c.mutex.RUnlock()

	if state != StateAttached {
		return ErrNotAttached
	}

	envelope := Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    c.endpointID,
		Target:    target,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		envelope.Payload = raw
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := BroadcastTopic(userID)
	if target != "" {
		topic = DirectTopic(userID, target)
	}
	if err := c.transport.Publish(topic, data, qos, false); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

// SendEventToAll broadcasts an event to every other endpoint of the user.
func (c *Client) SendEventToAll(kind string, payload interface{}) error {
	return c.SendEvent(kind, payload, "")
}

// Configuration returns the latest configuration, nil if none is known.
func (c *Client) Configuration() json.RawMessage {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.configuration == nil {
		return nil
	}
	out := make(json.RawMessage, len(c.configuration))
	copy(out, c.configuration)
	return out
}

// Topics returns the topic list last received from the fabric.
func (c *Client) Topics() []Topic {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]Topic, len(c.topics))
	copy(out, c.topics)
	return out
}

// SubscribeToTopics subscribes to the notifications of the given topics.
// Every id must be in the current topic list.
func (c *Client) SubscribeToTopics(ids []int64) error {
	if _, err := c.lookupTopics(ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.subscribeTopic(id); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeFromTopics drops optional topic subscriptions. Mandatory topics
// cannot be dropped.
func (c *Client) UnsubscribeFromTopics(ids []int64) error {
	topics, err := c.lookupTopics(ids)
	if err != nil {
		return err
	}
	for _, t := range topics {
		if t.SubscriptionType == MandatorySubscription {
			return fmt.Errorf("%w: topic %d is mandatory", ErrUnavailableTopic, t.ID)
		}
	}
	for _, id := range ids {
		if err := c.unsubscribeTopic(id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) lookupTopics(ids []int64) ([]Topic, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]Topic, 0, len(ids))
	for _, id := range ids {
		found := false
		for _, t := range c.topics {
			if t.ID == id {
				out = append(out, t)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %d", ErrUnavailableTopic, id)
		}
	}
	return out, nil
}

func (c *Client) subscribeTopic(id int64) error {
	c.mutex.RLock()
	done := c.subscribed[id]
	c.mutex.RUnlock()
	if done {
		return nil
	}

	if err := c.transport.Subscribe(NotificationTopic(id), qos, c.handleNotification); err != nil {
		return fmt.Errorf("failed to subscribe to topic %d: %w", id, err)
	}

	c.mutex.Lock()
	c.subscribed[id] = true
	c.mutex.Unlock()
	return nil
}

func (c *Client) unsubscribeTopic(id int64) error {
	c.mutex.RLock()
	done := c.subscribed[id]
	c.mutex.RUnlock()
	if !done {
		return nil
	}

	if err := c.transport.Unsubscribe(NotificationTopic(id)); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic %d: %w", id, err)
	}

	c.mutex.Lock()
	delete(c.subscribed, id)
	c.mutex.Unlock()
	return nil
}

// OnStateChange registers fn to run when the client connects, attaches or
// disconnects.
func (c *Client) OnStateChange(fn func(State)) {
	states := map[event.EventType]State{
		event.EventConnected:    StateConnected,
		event.EventAttached:     StateAttached,
		event.EventDisconnected: StateStopped,
	}
	for eventType, state := range states {
		state := state
		c.bus.Subscribe(eventType, func(*event.Event) error {
			fn(state)
			return nil
		})
	}
}

func (c *Client) OnNotification(fn func(Notification)) {
	c.bus.Subscribe(event.EventNotification, func(evt *event.Event) error {
		fn(evt.Data.(Notification))
		return nil
	})
}

// OnEvent registers fn for events from other endpoints of the user. fn may
// block on the network without delaying other callbacks.
func (c *Client) OnEvent(fn func(PeerEvent)) {
	c.bus.SubscribeAsync(event.EventPeerEvent, func(evt *event.Event) error {
		fn(evt.Data.(PeerEvent))
		return nil
	})
}

func (c *Client) OnConfigurationUpdated(fn func(json.RawMessage)) {
	c.bus.Subscribe(event.EventConfigurationUpdated, func(evt *event.Event) error {
		fn(evt.Data.(json.RawMessage))
		return nil
	})
}

func (c *Client) OnTopicListUpdated(fn func([]Topic)) {
	c.bus.Subscribe(event.EventTopicListUpdated, func(evt *event.Event) error {
		fn(evt.Data.([]Topic))
		return nil
	})
}

func (c *Client) post(eventType event.EventType, data interface{}) {
	if err := c.bus.Post(event.NewEvent(eventType, source, data)); err != nil {
		c.logger.Debugf("Dropped %s: %v", eventType, err)
	}
}

func (c *Client) handleTopicList(topic string, payload []byte) {
	var topics []Topic
	if err := json.Unmarshal(payload, &topics); err != nil {
		c.logger.Warnf("Failed to parse topic list: %v", err)
		return
	}

	c.mutex.Lock()
	c.topics = topics
	var stale []int64
	for id := range c.subscribed {
		if !containsTopic(topics, id) {
			stale = append(stale, id)
		}
	}
	c.mutex.Unlock()

	for _, id := range stale {
		if err := c.unsubscribeTopic(id); err != nil {
			c.logger.Warnf("Failed to drop removed topic %d: %v", id, err)
		}
	}
	for _, t := range topics {
		if t.SubscriptionType != MandatorySubscription {
			continue
		}
		if err := c.subscribeTopic(t.ID); err != nil {
			c.logger.Warnf("Failed to subscribe to mandatory topic %d: %v", t.ID, err)
		}
	}

	out := make([]Topic, len(topics))
	copy(out, topics)
	c.post(event.EventTopicListUpdated, out)
}

func (c *Client) handleConfiguration(topic string, payload []byte) {
	if !json.Valid(payload) {
		c.logger.Warnf("Ignoring malformed configuration on %s", topic)
		return
	}

	data := make(json.RawMessage, len(payload))
	copy(data, payload)

	if err := c.storage.Save(data); err != nil {
		c.logger.Errorf("Failed to persist configuration: %v", err)
	}

	c.mutex.Lock()
	c.configuration = data
	c.mutex.Unlock()

	c.post(event.EventConfigurationUpdated, data)
}

func (c *Client) handleNotification(topic string, payload []byte) {
	id, err := parseNotificationTopic(topic)
	if err != nil {
		c.logger.Warnf("Ignoring notification: %v", err)
		return
	}

	data := make(json.RawMessage, len(payload))
	copy(data, payload)
	c.post(event.EventNotification, Notification{TopicID: id, Payload: data})
}

func (c *Client) handleEvent(topic string, payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.logger.Warnf("Failed to parse event on %s: %v", topic, err)
		return
	}

	if envelope.Source == c.endpointID {
		return
	}
	if envelope.Target != "" && envelope.Target != c.endpointID {
		return
	}

	c.post(event.EventPeerEvent, PeerEvent{
		Kind:    envelope.Kind,
		Source:  envelope.Source,
		Payload: envelope.Payload,
	})
}

func containsTopic(topics []Topic, id int64) bool {
	for _, t := range topics {
		if t.ID == id {
			return true
		}
	}
	return false
}
