package garage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/fabric"
	"github.com/iot-go-garage/pkg/logger"
)

// Fabric is the part of the device fabric client the garage application
// relies on.
type Fabric interface {
	Connect(ctx context.Context) error
	Disconnect()
	AttachIdentity(ctx context.Context, externalID, accessToken string) (string, error)
	Topics() []fabric.Topic
	SubscribeToTopics(ids []int64) error
	SendEvent(kind string, payload interface{}, target string) error
	SendEventToAll(kind string, payload interface{}) error
	Configuration() json.RawMessage
	OnNotification(fn func(fabric.Notification))
	OnEvent(fn func(fabric.PeerEvent))
	OnConfigurationUpdated(fn func(json.RawMessage))
	OnTopicListUpdated(fn func([]fabric.Topic))
	OnStateChange(fn func(fabric.State))
}

var _ Fabric = (*fabric.Client)(nil)

// Adapter exposes the fabric operations of the garage application and logs
// everything it receives before handing it on. Handlers registered on it run
// on the fabric's delivery goroutine.
type Adapter struct {
	fabric   Fabric
	logger   *logrus.Entry
	attached atomic.Bool
}

func NewAdapter(f Fabric) *Adapter {
	a := &Adapter{
		fabric: f,
		logger: logger.For("garage"),
	}
	f.OnTopicListUpdated(a.onTopicListUpdated)
	f.OnStateChange(a.onStateChange)
	return a
}

func (a *Adapter) SetLogger(logger *logrus.Entry) {
	a.logger = logger
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.fabric.Connect(ctx)
}

func (a *Adapter) Disconnect() {
	a.attached.Store(false)
	a.fabric.Disconnect()
}

// AttachIdentity attaches the endpoint to a user. Events can only be sent
// once it succeeded.
func (a *Adapter) AttachIdentity(ctx context.Context, externalID, accessToken string) error {
	if _, err := a.fabric.AttachIdentity(ctx, externalID, accessToken); err != nil {
		return err
	}
	a.attached.Store(true)
	a.logger.Info("User is attached")
	return nil
}

// RegisterStateNotificationHandler forwards door state notifications to fn.
func (a *Adapter) RegisterStateNotificationHandler(fn func(topicID int64, state DoorState)) {
	a.fabric.OnNotification(func(n fabric.Notification) {
		a.logger.Infof("Notification for topic id [%d] received.", n.TopicID)

		var state DoorState
		if err := n.Decode(&state); err != nil {
			a.logger.Warnf("Malformed door state on topic %d: %v", n.TopicID, err)
			return
		}
		fn(n.TopicID, state)
	})
}

// RegisterEventHandlers forwards the garage event family. onRequest receives
// the id of the requesting endpoint.
func (a *Adapter) RegisterEventHandlers(onRequest func(source string), onResponse func(DoorState), onCommand func(RemoteCommand)) {
	a.fabric.OnEvent(func(e fabric.PeerEvent) {
		switch e.Kind {
		case KindStateRequest:
			a.logger.Infof("Got garage door state request from %s", e.Source)
			onRequest(e.Source)

		case KindStateResponse:
			var resp StateResponse
			if err := e.Decode(&resp); err != nil {
				a.logger.Warnf("Malformed state response from %s: %v", e.Source, err)
				return
			}
			a.logger.Infof("Got garage door state response - open: %s", yesNo(resp.Info.IsOpen))
			onResponse(resp.Info)

		case KindRemoteCommand:
			var cmd RemoteCommand
			if err := e.Decode(&cmd); err != nil {
				a.logger.Warnf("Malformed remote command from %s: %v", e.Source, err)
				return
			}
			a.logger.Infof("Got garage door remote command - open: %s", yesNo(cmd.IsOpen))
			onCommand(cmd)

		default:
			a.logger.Debugf("Ignoring event %s from %s", e.Kind, e.Source)
		}
	})
}

// RegisterConfigurationHandler forwards configuration updates to fn.
func (a *Adapter) RegisterConfigurationHandler(fn func(Configuration)) {
	a.fabric.OnConfigurationUpdated(func(raw json.RawMessage) {
		a.logger.Info("Received configuration update")

		var cfg Configuration
		if err := json.Unmarshal(raw, &cfg); err != nil {
			a.logger.Warnf("Malformed configuration: %v", err)
			return
		}
		fn(cfg)
	})
}

// RequestState asks every attached door for its state.
func (a *Adapter) RequestState() {
	if !a.attached.Load() {
		a.logger.Warn("Requesting door state requested but event channel is not available")
		return
	}

	a.logger.Info("Requesting door state")
	if err := a.fabric.SendEventToAll(KindStateRequest, nil); err != nil {
		a.logger.Errorf("Failed to request door state: %v", err)
	}
}

// SendRemoteCommand tells every attached door to open or close.
func (a *Adapter) SendRemoteCommand(isOpen bool) {
	if !a.attached.Load() {
		a.logger.Warn("Sending remote command event requested but event channel is not available")
		return
	}

	a.logger.Infof("Sending remote command event (open: %s)", yesNo(isOpen))
	if err := a.fabric.SendEventToAll(KindRemoteCommand, RemoteCommand{IsOpen: isOpen}); err != nil {
		a.logger.Errorf("Failed to send remote command: %v", err)
	}
}

// SendStateResponse answers a state request from target.
func (a *Adapter) SendStateResponse(target string, state DoorState) {
	if !a.attached.Load() {
		a.logger.Warn("Sending state response requested but event channel is not available")
		return
	}

	if err := a.fabric.SendEvent(KindStateResponse, StateResponse{Info: state}, target); err != nil {
		a.logger.Errorf("Failed to send state response to %s: %v", target, err)
	}
}

// Configuration returns the current configuration.
func (a *Adapter) Configuration() (Configuration, error) {
	var cfg Configuration
	raw := a.fabric.Configuration()
	if raw == nil {
		return cfg, errors.New("no configuration received yet")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("malformed configuration: %w", err)
	}
	return cfg, nil
}

// ShowTopicList logs the topics currently offered by the fabric.
func (a *Adapter) ShowTopicList() {
	a.showTopicList(a.fabric.Topics())
}

func (a *Adapter) showTopicList(topics []fabric.Topic) {
	if len(topics) == 0 {
		a.logger.Info("Topic list is empty")
		return
	}
	for _, t := range topics {
		a.logger.Infof("Topic id: %d, name: %s, type: %s", t.ID, t.Name, t.SubscriptionType)
	}
}

func (a *Adapter) onTopicListUpdated(topics []fabric.Topic) {
	a.logger.Info("Topic list was updated")
	a.showTopicList(topics)

	var optional []int64
	for _, t := range topics {
		if t.SubscriptionType == fabric.OptionalSubscription {
			a.logger.Infof("Subscribing to optional topic %d", t.ID)
			optional = append(optional, t.ID)
		}
	}
	if len(optional) == 0 {
		return
	}
	if err := a.fabric.SubscribeToTopics(optional); err != nil {
		a.logger.Errorf("Topic is unavailable, can't subscribe: %v", err)
	}
}

func (a *Adapter) onStateChange(state fabric.State) {
	switch state {
	case fabric.StateConnected:
		a.logger.Info("Fabric client started")
	case fabric.StateStopped:
		a.logger.Info("Fabric client stopped")
	}
}
