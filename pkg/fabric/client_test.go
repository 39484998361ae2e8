package fabric

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/event"
	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt/mqtttest"
	"github.com/iot-go-garage/pkg/rrpc"
)

var testTopics = []Topic{
	{ID: 1, Name: "door-state", SubscriptionType: MandatorySubscription},
	{ID: 2, Name: "door-alerts", SubscriptionType: OptionalSubscription},
}

// fakeFabric answers sync and attach the way fabricd does.
type fakeFabric struct {
	conn   *mqtttest.Client
	server *rrpc.Server
	reject bool
}

func newFakeFabric(t *testing.T, broker *mqtttest.Broker) *fakeFabric {
	t.Helper()
	f := &fakeFabric{conn: broker.NewClient("fabricd")}
	require.NoError(t, f.conn.Connect())

	f.server = rrpc.NewServer(f.conn)
	f.server.SetLogger(logger.Discard())
	f.server.RegisterHandler("sync", func(endpointID string, _ json.RawMessage) (interface{}, error) {
		topics, _ := json.Marshal(testTopics)
		if err := f.conn.Publish(TopicListTopic(endpointID), topics, 1, false); err != nil {
			return nil, err
		}
		return nil, f.conn.Publish(ConfigurationTopic(endpointID), []byte(`{"speed":3}`), 1, false)
	})
	f.server.RegisterHandler("attach", func(_ string, params json.RawMessage) (interface{}, error) {
		var req AttachRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if f.reject || req.AccessToken == "" {
			return nil, errors.New("invalid access token")
		}
		return AttachResponse{UserID: "user-" + req.ExternalID}, nil
	})
	require.NoError(t, f.server.Start())
	return f
}

func newTestClient(t *testing.T, broker *mqtttest.Broker, serial string) *Client {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Storage.ConfigurationFile = filepath.Join(t.TempDir(), "configuration.cfg")
	cfg.MQTT.ConnectTimeout = time.Second
	cfg.Identity.AttachTimeout = time.Second

	profile := Profile{SerialNumber: serial, Platform: "Go", FirmwareVersion: "1.4.2"}
	client := NewClient(cfg, broker.NewClient(serial), profile)
	client.SetLogger(logger.Discard())
	t.Cleanup(client.Disconnect)
	return client
}

func TestConnect(t *testing.T) {
	broker := mqtttest.NewBroker()
	newFakeFabric(t, broker)
	client := newTestClient(t, broker, "SN-DOOR")

	var (
		mu       sync.Mutex
		states   []State
		received json.RawMessage
		topics   []Topic
	)
	client.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	client.OnConfigurationUpdated(func(cfg json.RawMessage) {
		mu.Lock()
		received = cfg
		mu.Unlock()
	})
	client.OnTopicListUpdated(func(list []Topic) {
		mu.Lock()
		topics = list
		mu.Unlock()
	})

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, testTopics, client.Topics())
	assert.JSONEq(t, `{"speed":3}`, string(client.Configuration()))

	profiles := broker.PublishedTo(ProfileTopic(client.EndpointID()))
	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].Retained)
	assert.JSONEq(t, `{"serialNumber":"SN-DOOR","platform":"Go","firmwareVersion":"1.4.2"}`, string(profiles[0].Payload))

	// the mandatory topic is subscribed automatically, the optional one is not
	subs := broker.Subscriptions("SN-DOOR")
	assert.Contains(t, subs, NotificationTopic(1))
	assert.NotContains(t, subs, NotificationTopic(2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil && topics != nil && len(states) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnected}, states)

	// the configuration was persisted before the callback
	stored, err := os.ReadFile(client.config.Storage.ConfigurationFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"speed":3}`, string(stored))

	assert.Error(t, client.Connect(context.Background()))
}

func TestConnectErrors(t *testing.T) {
	t.Run("TransportFailure", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		client := newTestClient(t, broker, "SN-1")
		client.transport.(*mqtttest.Client).ConnectErr = errors.New("connection refused")

		err := client.Connect(context.Background())
		assert.ErrorContains(t, err, "connection refused")
		assert.Equal(t, StateDisconnected, client.State())
		// event delivery is not started until the transport is up
		assert.Error(t, client.bus.Post(event.NewEvent(event.EventConnected, source, nil)))

		client.transport.(*mqtttest.Client).ConnectErr = nil
		newFakeFabric(t, broker)
		require.NoError(t, client.Connect(context.Background()))
		assert.Equal(t, StateConnected, client.State())
	})

	t.Run("SubscribeFailureStopsDelivery", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		client := newTestClient(t, broker, "SN-3")
		client.transport.(*mqtttest.Client).SubscribeErr = errors.New("not authorized")

		err := client.Connect(context.Background())
		assert.ErrorContains(t, err, "not authorized")
		assert.Equal(t, StateStopped, client.State())
		assert.False(t, client.transport.IsConnected())
		assert.ErrorIs(t, client.bus.Post(event.NewEvent(event.EventConnected, source, nil)), event.ErrBusStopped)
		assert.Error(t, client.Connect(context.Background()))
	})

	t.Run("NoFabricKeepsStoredConfiguration", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		client := newTestClient(t, broker, "SN-2")
		client.config.MQTT.ConnectTimeout = 20 * time.Millisecond
		require.NoError(t, os.WriteFile(client.config.Storage.ConfigurationFile, []byte(`{"speed":7}`), 0o600))

		require.NoError(t, client.Connect(context.Background()))
		assert.JSONEq(t, `{"speed":7}`, string(client.Configuration()))
		assert.Empty(t, client.Topics())
	})
}

func TestAttachIdentity(t *testing.T) {
	broker := mqtttest.NewBroker()
	fabric := newFakeFabric(t, broker)
	client := newTestClient(t, broker, "SN-1")

	_, err := client.AttachIdentity(context.Background(), "DOORtest@example.com", "xxx")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Connect(context.Background()))

	fabric.reject = true
	_, err = client.AttachIdentity(context.Background(), "DOORtest@example.com", "xxx")
	assert.ErrorIs(t, err, ErrAttachRejected)
	assert.Equal(t, StateConnected, client.State())

	fabric.reject = false
	userID, err := client.AttachIdentity(context.Background(), "DOORtest@example.com", "xxx")
	require.NoError(t, err)
	assert.Equal(t, "user-DOORtest@example.com", userID)
	assert.Equal(t, StateAttached, client.State())

	subs := broker.Subscriptions("SN-1")
	assert.Contains(t, subs, BroadcastTopic(userID))
	assert.Contains(t, subs, DirectTopic(userID, client.EndpointID()))
}

func TestEvents(t *testing.T) {
	broker := mqtttest.NewBroker()
	newFakeFabric(t, broker)

	door := newTestClient(t, broker, "SN-DOOR")
	remote := newTestClient(t, broker, "SN-REMOTE")
	other := newTestClient(t, broker, "SN-OTHER")

	collect := func(c *Client) func() []PeerEvent {
		var mu sync.Mutex
		var events []PeerEvent
		c.OnEvent(func(e PeerEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		})
		return func() []PeerEvent {
			mu.Lock()
			defer mu.Unlock()
			return append([]PeerEvent(nil), events...)
		}
	}
	doorEvents, remoteEvents, otherEvents := collect(door), collect(remote), collect(other)

	assert.ErrorIs(t, door.SendEventToAll("garage.StateRequest", nil), ErrNotAttached)

	for _, c := range []*Client{door, remote, other} {
		require.NoError(t, c.Connect(context.Background()))
		_, err := c.AttachIdentity(context.Background(), "test@example.com", "xxx")
		require.NoError(t, err)
	}

	require.NoError(t, remote.SendEventToAll("garage.StateRequest", nil))
	require.NoError(t, door.SendEvent("garage.StateResponse", map[string]bool{"isOpen": true}, remote.EndpointID()))

	require.Eventually(t, func() bool {
		return len(doorEvents()) == 1 && len(remoteEvents()) == 1 && len(otherEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	// broadcasts reach everyone but the sender
	assert.Equal(t, "garage.StateRequest", doorEvents()[0].Kind)
	assert.Equal(t, remote.EndpointID(), doorEvents()[0].Source)
	assert.Equal(t, "garage.StateRequest", otherEvents()[0].Kind)

	// direct events reach only their target
	got := remoteEvents()[0]
	assert.Equal(t, "garage.StateResponse", got.Kind)
	var payload map[string]bool
	require.NoError(t, got.Decode(&payload))
	assert.True(t, payload["isOpen"])

	assert.Error(t, doorEvents()[0].Decode(&payload))
}

func TestTopicSubscriptions(t *testing.T) {
	broker := mqtttest.NewBroker()
	newFakeFabric(t, broker)
	client := newTestClient(t, broker, "SN-1")

	var mu sync.Mutex
	var notifications []Notification
	client.OnNotification(func(n Notification) {
		mu.Lock()
		notifications = append(notifications, n)
		mu.Unlock()
	})

	require.NoError(t, client.Connect(context.Background()))

	assert.ErrorIs(t, client.SubscribeToTopics([]int64{2, 99}), ErrUnavailableTopic)
	assert.NotContains(t, broker.Subscriptions("SN-1"), NotificationTopic(2))

	require.NoError(t, client.SubscribeToTopics([]int64{2}))
	assert.Contains(t, broker.Subscriptions("SN-1"), NotificationTopic(2))

	publisher := broker.NewClient("publisher")
	require.NoError(t, publisher.Connect())
	require.NoError(t, publisher.Publish(NotificationTopic(2), []byte(`{"isOpen":false}`), 1, false))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notifications) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, int64(2), notifications[0].TopicID)
	mu.Unlock()

	assert.ErrorIs(t, client.UnsubscribeFromTopics([]int64{1}), ErrUnavailableTopic)
	require.NoError(t, client.UnsubscribeFromTopics([]int64{2}))
	assert.NotContains(t, broker.Subscriptions("SN-1"), NotificationTopic(2))

	// a new list drops subscriptions to topics that disappeared
	require.NoError(t, publisher.Publish(TopicListTopic(client.EndpointID()), []byte(`[{"id":5,"name":"x","subscriptionType":"mandatory"}]`), 1, false))
	subs := broker.Subscriptions("SN-1")
	assert.NotContains(t, subs, NotificationTopic(1))
	assert.Contains(t, subs, NotificationTopic(5))
}

func TestDisconnect(t *testing.T) {
	broker := mqtttest.NewBroker()
	newFakeFabric(t, broker)
	client := newTestClient(t, broker, "SN-1")

	stopped := make(chan struct{})
	client.OnStateChange(func(s State) {
		if s == StateStopped {
			close(stopped)
		}
	})

	require.NoError(t, client.Connect(context.Background()))
	client.Disconnect()

	// queued callbacks are delivered before Disconnect returns
	select {
	case <-stopped:
	default:
		t.Fatal("stop callback not delivered")
	}
	assert.Equal(t, StateStopped, client.State())
	assert.Empty(t, broker.Subscriptions("SN-1"))

	client.Disconnect()
	assert.Error(t, client.Connect(context.Background()))
}

func TestValidTopicLevel(t *testing.T) {
	assert.True(t, ValidTopicLevel("test@example.com"))
	for _, s := range []string{"", "+", "#", "a/b", "user+"} {
		assert.False(t, ValidTopicLevel(s), s)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "attached", StateAttached.String())
	assert.Equal(t, "unknown", State(42).String())
}
