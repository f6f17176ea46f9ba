package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/pkg/config"
)

// ClientFactory creates the underlying paho client (can be overridden in tests)
var ClientFactory = pahomqtt.NewClient

// MessageHandler is the callback signature for received messages.
// Handlers run on paho goroutines and should not block for long.
// A returned error is logged; it does not affect acknowledgement.
type MessageHandler func(topic string, payload []byte) error

// ConnectionHandler is notified on every broker connect (err == nil) and connection loss.
type ConnectionHandler func(connected bool, err error)

// Client wraps paho.mqtt.golang with subscription restoration and hub status reporting.
//
// All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger *logrus.Logger

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnectionChange ConnectionHandler
	callbackMu         sync.RWMutex
}

// subscription holds what is needed to re-subscribe after reconnect.
type subscription struct {
	topic   string
	handler MessageHandler
}

// Connect establishes a connection to the MQTT broker and publishes the online status.
// Fails with ErrConnectionFailed if the broker is not reachable within the connect timeout.
func Connect(cfg config.MQTTConfig, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts := buildClientOptions(cfg)
	c := &Client{
		cfg:           cfg,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logger.WithField("broker", cfg.Broker.Host).Info("Reconnecting to MQTT broker...")
	})

	c.client = ClientFactory(opts)

	c.logger.WithFields(logrus.Fields{
		"broker":    cfg.Broker.Host,
		"port":      cfg.Broker.Port,
		"client_id": cfg.Broker.ClientID,
	}).Info("Connecting to MQTT broker...")

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark the state here so IsConnected is
	// accurate as soon as Connect returns.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// handleConnect is called on initial connect and after every reconnect.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.logger.Info("Connected to MQTT broker")

	c.restoreSubscriptions()
	c.publishStatus(statusOnline, "")

	if cb := c.connectionHandler(); cb != nil {
		cb(true, nil)
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.WithError(err).Warn("MQTT connection lost")

	if cb := c.connectionHandler(); cb != nil {
		cb(false, err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Errors surface through the token; a failed restore is retried on the next reconnect.
		c.client.Subscribe(sub.topic, c.qos(), c.wrapHandler(sub.handler))
		c.logger.WithField("topic", sub.topic).Debug("Restored MQTT subscription")
	}
}

// publishStatus publishes the retained hub status.
func (c *Client) publishStatus(status, reason string) {
	if c.cfg.StatusTopic == "" {
		return
	}
	c.client.Publish(c.cfg.StatusTopic, c.qos(), true, statusPayload(status, c.cfg.Broker.ClientID, reason))
}

// Close publishes the graceful offline status and disconnects.
// Closing an already closed client is not an error.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() && c.cfg.StatusTopic != "" {
		token := c.client.Publish(c.cfg.StatusTopic, c.qos(), true,
			statusPayload(statusOffline, c.cfg.Broker.ClientID, reasonGraceful))
		token.WaitTimeout(defaultAckTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Info("Disconnected from MQTT broker")
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnectionChange sets the callback invoked on connect and connection loss.
func (c *Client) SetOnConnectionChange(cb ConnectionHandler) {
	c.callbackMu.Lock()
	c.onConnectionChange = cb
	c.callbackMu.Unlock()
}

func (c *Client) connectionHandler() ConnectionHandler {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.onConnectionChange
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}

// wrapHandler adapts a MessageHandler to paho with panic recovery and error logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"topic": msg.Topic(),
					"panic": r,
				}).Error("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.WithError(err).WithField("topic", msg.Topic()).Debug("MQTT handler returned error")
		}
	}
}
