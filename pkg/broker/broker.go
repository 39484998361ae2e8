// Package broker embeds the MQTT broker fabricd serves endpoints on.
package broker

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/auth"
	"github.com/iot-go-garage/pkg/logger"
)

// TopicPrefix is the only topic tree endpoints may use.
const TopicPrefix = "fabric/"

// Broker is an embedded MQTT broker. When a secret is set, clients must log
// in with the credentials pkg/auth derives from it.
type Broker struct {
	addr   string
	policy *policy
	logger *logrus.Entry

	mutex    sync.Mutex
	listener net.Listener
	stop     func(ctx context.Context) error
}

func New(addr, secret string) *Broker {
	b := &Broker{
		addr:   addr,
		logger: logger.For("broker"),
	}
	b.policy = &policy{secret: secret, broker: b}
	return b
}

func (b *Broker) SetLogger(logger *logrus.Entry) {
	b.logger = logger
}

func (b *Broker) Name() string { return "broker" }

func (b *Broker) Dependencies() []string { return nil }

// Start listens on the configured address and serves clients in the
// background.
func (b *Broker) Start(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.stop != nil {
		return fmt.Errorf("broker already running")
	}

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.addr, err)
	}

	server := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.policy),
	)
	server.Run()

	b.listener = ln
	b.stop = server.Stop

	b.logger.Infof("MQTT broker listening on %s", ln.Addr())
	return nil
}

func (b *Broker) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.stop == nil {
		return nil
	}
	err := b.stop(context.Background())
	b.stop = nil
	b.listener = nil
	b.logger.Info("MQTT broker stopped")
	return err
}

// Addr returns the address the broker listens on, or "" when stopped.
func (b *Broker) Addr() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// TopicAllowed reports whether clients may publish or subscribe to topic.
func TopicAllowed(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix)
}

// policy is the gmqtt plugin enforcing authentication and the topic tree
type policy struct {
	secret string
	broker *Broker
}

func (p *policy) Load(service gmqtt.Server) error {
	return nil
}

func (p *policy) Unload() error {
	return nil
}

func (p *policy) Name() string { return "fabric policy" }

func (p *policy) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// authenticate checks a login against the shared secret
func (p *policy) authenticate(clientID, username, password string) bool {
	if p.secret == "" {
		return true
	}
	expected := auth.GenerateMQTTCredentials(clientID, p.secret)
	if username != expected.Username {
		return false
	}
	return auth.VerifyMQTTCredentials(clientID, password, p.secret)
}

// OnConnectWrapper rejects clients without valid credentials
func (p *policy) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		opts := client.OptionsReader()
		if !p.authenticate(opts.ClientID(), string(opts.Username()), string(opts.Password())) {
			p.broker.logger.Warnf("Connect denied for %s: bad credentials", opts.ClientID())
			return packets.CodeNotAuthorized
		}
		p.broker.logger.Debugf("Connect %s", opts.ClientID())
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces the topic tree
func (p *policy) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !TopicAllowed(topic.Name) {
			p.broker.logger.Warnf("Subscribe %s to %s denied", client.OptionsReader().ClientID(), topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper drops publishes outside the topic tree
func (p *policy) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !TopicAllowed(msg.Topic()) {
			p.broker.logger.Warnf("Publish from %s to %s dropped", client.OptionsReader().ClientID(), msg.Topic())
			return false
		}
		return arrived(ctx, client, msg)
	}
}
