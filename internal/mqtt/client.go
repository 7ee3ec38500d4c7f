// Package mqtt wraps paho.mqtt.golang for the simulator: connection
// management with LWT status, validated publish and subscribe, and
// subscription restore on reconnect. The kb package uses it to share node
// reports between simulator processes.
package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/config"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
)

// MessageHandler is called for every received message, on a paho
// goroutine. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client is safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	id     string
	topics Topics
	log    logging.Logger

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connMu    sync.RWMutex
	connected bool
}

// Connect dials the broker, installs the LWT and publishes a retained
// online status.
func Connect(cfg config.MQTTConfig, log logging.Logger) (*Client, error) {
	id := clientID(cfg)
	c := newClient(cfg, id, log)

	opts := buildClientOptions(cfg, id)
	configureLWT(opts, c.topics, id)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously; mark the state now so
	// IsConnected holds as soon as Connect returns.
	c.setConnected(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, id string, log logging.Logger) *Client {
	if log == nil {
		log = logging.Noop()
	}
	return &Client{
		cfg:           cfg,
		id:            id,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		log:           log.With(logging.String("mqtt_client", id)),
		subscriptions: make(map[string]subscription),
	}
}

// ID returns the client ID used on the broker.
func (c *Client) ID() string { return c.id }

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics { return c.topics }

// QoS returns the configured default QoS.
func (c *Client) QoS() byte { return byte(c.cfg.QoS) }

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.restoreSubscriptions()
	c.client.Publish(c.topics.SystemStatus(), c.QoS(), true, statusPayload(c.id, "online", ""))
	c.log.Info(context.Background(), "mqtt connected")
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.log.Warn(context.Background(), "mqtt connection lost", logging.Err(err))
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.SystemStatus(), c.QoS(), true,
			statusPayload(c.id, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error(context.Background(), "mqtt handler panic recovered",
					logging.String("topic", msg.Topic()),
					logging.Any("panic", r),
				)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log.Warn(context.Background(), "mqtt handler returned error",
				logging.String("topic", msg.Topic()),
				logging.Err(err),
			)
		}
	}
}
