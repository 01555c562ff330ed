package infrastructure

import (
	"context"
	"fmt"
	"sync"

	"example.com/backstage/services/gateway/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IngressHandler processes one inbound broker message.
type IngressHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTClient owns the physical broker connection: subscribe/publish
// mechanics, reconnect behavior and TLS. The core only sees the publish
// capability and the stream of inbound messages it hands to the handler.
type MQTTClient struct {
	config     config.MQTTConfig
	client     mqtt.Client
	logger     *logrus.Logger
	handler    IngressHandler
	deadLetter *DeadLetterJournal
	topics     []string
	mu         sync.RWMutex
	connected  bool
	wg         sync.WaitGroup
}

// NewMQTTClient creates a broker client that subscribes to the given topics
// and routes every message to handler. A nil deadLetter disables failed
// message capture.
func NewMQTTClient(cfg config.MQTTConfig, topics []string, handler IngressHandler, deadLetter *DeadLetterJournal, logger *logrus.Logger) (*MQTTClient, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("gateway-%s", uuid.New().String()[:8])
	}

	return &MQTTClient{
		config:     cfg,
		logger:     logger,
		handler:    handler,
		deadLetter: deadLetter,
		topics:     topics,
	}, nil
}

// Start connects to the broker and subscribes to the ingress topics.
func (c *MQTTClient) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.BrokerURL)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}

	opts.SetCleanSession(c.config.CleanSession)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnectDelay)

	// Subscriptions are re-established on every (re)connect.
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.WithField("broker", c.config.BrokerURL).Info("MQTT client started")
	return nil
}

// Stop unsubscribes and disconnects, waiting for in-flight handlers.
func (c *MQTTClient) Stop() {
	c.logger.Info("Stopping MQTT client...")

	if c.client != nil && c.client.IsConnected() {
		if token := c.client.Unsubscribe(c.topics...); token.Wait() && token.Error() != nil {
			c.logger.WithError(token.Error()).Error("Failed to unsubscribe")
		}
		c.client.Disconnect(250)
	}

	c.wg.Wait()
	c.logger.Info("MQTT client stopped")
}

// IsConnected reports broker connectivity; surfaced on the health endpoint.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends a payload to a topic at the configured QoS.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := c.client.Publish(topic, c.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Connected to MQTT broker")

	for _, topic := range c.topics {
		if token := client.Subscribe(topic, c.config.QoS, c.messageHandler); token.Wait() && token.Error() != nil {
			c.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			c.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (c *MQTTClient) messageHandler(client mqtt.Client, msg mqtt.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.processMessage(msg)
	}()
}

func (c *MQTTClient) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	c.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandlerTimeout)
	defer cancel()

	if err := c.handler(ctx, topic, payload); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")

		if c.deadLetter != nil {
			if dlErr := c.deadLetter.Append(topic, payload, err); dlErr != nil {
				c.logger.WithError(dlErr).Error("Failed to write dead letter entry")
			}
		}
	}
}
