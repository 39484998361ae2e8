package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/auth"
	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/logger"
	tlsutil "github.com/iot-go-garage/pkg/tls"
)

var ErrNotConnected = errors.New("client is not connected")

type MessageHandler func(topic string, payload []byte)

// Transport is the slice of the client the fabric layers depend on.
type Transport interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

type Client struct {
	config     *config.Config
	clientID   string
	mqttClient mqtt.Client
	connected  bool
	mutex      sync.RWMutex
	handlers   map[string]MessageHandler
	logger     *logrus.Entry
}

var _ Transport = (*Client)(nil)

func NewClient(cfg *config.Config, clientID string) *Client {
	return &Client{
		config:   cfg,
		clientID: clientID,
		handlers: make(map[string]MessageHandler),
		logger:   logger.For("mqtt"),
	}
}

func (c *Client) SetLogger(logger *logrus.Entry) {
	c.logger = logger
}

func (c *Client) Connect() error {
	if err := c.config.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	opts := mqtt.NewClientOptions()

	broker := c.config.Broker()
	if c.config.MQTT.UseTLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: c.config.TLS.SkipVerify,
			ServerName:         c.config.TLS.ServerName,
		}

		certPool, err := tlsutil.LoadCACert(c.config.TLS.CACert)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}
		tlsConfig.RootCAs = certPool

		opts.SetTLSConfig(tlsConfig)
	}

	opts.AddBroker(broker)
	opts.SetClientID(c.clientID)
	if c.config.Endpoint.Secret != "" {
		credentials := auth.GenerateMQTTCredentials(c.clientID, c.config.Endpoint.Secret)
		opts.SetUsername(credentials.Username)
		opts.SetPassword(credentials.Password)
	}
	opts.SetKeepAlive(c.config.MQTT.KeepAlive)
	opts.SetCleanSession(c.config.MQTT.CleanSession)
	opts.SetConnectTimeout(c.config.MQTT.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// handlers publish replies from inside callbacks
	opts.SetOrderMatters(false)

	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)

	c.mqttClient = mqtt.NewClient(opts)

	token := c.mqttClient.Connect()
	if !token.WaitTimeout(c.config.MQTT.ConnectTimeout) {
		return fmt.Errorf("failed to connect: timeout after %v", c.config.MQTT.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()

	c.logger.Infof("Connected to MQTT broker: %s", broker)
	return nil
}

func (c *Client) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mqttClient != nil && c.connected {
		c.mqttClient.Disconnect(250)
		c.connected = false
		c.logger.Info("Disconnected from MQTT broker")
	}
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected && c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	c.logger.Debugf("Published message to topic: %s", topic)
	return nil
}

// Subscribe registers handler for the topic filter. Wildcard filters are
// allowed; the handler receives the concrete topic of each message.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mutex.Lock()
	c.handlers[topic] = handler
	c.mutex.Unlock()

	token := c.mqttClient.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		c.mutex.RLock()
		h, exists := c.handlers[topic]
		c.mutex.RUnlock()
		if exists {
			h(msg.Topic(), msg.Payload())
		}
	})

	if token.Wait() && token.Error() != nil {
		c.mutex.Lock()
		delete(c.handlers, topic)
		c.mutex.Unlock()
		return fmt.Errorf("failed to subscribe to topic: %w", token.Error())
	}

	c.logger.Debugf("Subscribed to topic: %s", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", token.Error())
	}

	c.mutex.Lock()
	delete(c.handlers, topic)
	c.mutex.Unlock()

	c.logger.Debugf("Unsubscribed from topic: %s", topic)
	return nil
}

func (c *Client) defaultMessageHandler(client mqtt.Client, msg mqtt.Message) {
	c.logger.Debugf("Received message on topic %s: %s", msg.Topic(), string(msg.Payload()))
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	c.logger.Warnf("Connection lost: %v", err)
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()
	c.logger.Debug("Connected to MQTT broker")
}

func (c *Client) reconnectingHandler(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("Attempting to reconnect to MQTT broker...")
}
