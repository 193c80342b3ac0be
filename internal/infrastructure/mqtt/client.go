package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/config"
)

// Client is the bridge's broker connection. paho reconnects with
// backoff; Client replays its subscriptions each time the link comes
// back. Safe for concurrent use.
type Client struct {
	paho pahomqtt.Client

	mu           sync.RWMutex
	up           bool
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client writes to.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. It runs on a paho goroutine and
// should return quickly; a returned error is logged and nothing more.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits up to ten seconds for the first
// CONNACK. The OnConnect callback runs on every later reconnect too,
// which is where the bridge republishes its health.
//
// Parameters:
//   - cfg: Broker address, credentials and reconnect backoff
//   - will: Last Will and Testament (zero value disables it)
//
// Returns:
//   - *Client: Connected client
//   - error: Wrapped ErrConnectionFailed
func Connect(cfg config.MQTTConfig, will Will) (*Client, error) {
	c := &Client{subs: make(map[string]subscription)}

	opts := clientOptions(cfg, will).
		SetOnConnectHandler(func(pahomqtt.Client) { c.linkUp() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.linkDown(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			if log := c.log(); log != nil {
				log.Warn("MQTT reconnecting", "broker", cfg.Broker.Host)
			}
		})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), ErrConnectionFailed, connectTimeout); err != nil {
		return nil, err
	}

	// The OnConnect handler may not have run yet.
	c.mu.Lock()
	c.up = true
	c.mu.Unlock()
	return c, nil
}

func (c *Client) linkUp() {
	c.mu.Lock()
	c.up = true
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	cb := c.onConnect
	c.mu.Unlock()

	// Failures here surface as missing messages and are retried on the
	// next reconnect.
	for _, s := range subs {
		c.paho.Subscribe(s.topic, s.qos, c.deliver(s.handler))
	}
	if cb != nil {
		cb()
	}
}

func (c *Client) linkDown(err error) {
	c.mu.Lock()
	c.up = false
	cb := c.onDisconnect
	c.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// Close disconnects after letting pending publishes drain. A clean
// disconnect suppresses the will, so publish a final status first.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	c.paho.Disconnect(quiesceMillis)

	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected is false between a lost connection and the next reconnect.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect registers fn to run after the initial connect and every
// reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn to run with the cause of each lost link.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger enables logging of handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// deliver adapts handler to paho, logging its error and recovering from
// a panic so one bad message cannot kill the router goroutine.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				if log := c.log(); log != nil {
					log.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
				}
			}
		}()

		if err := handler(topic, msg.Payload()); err != nil {
			if log := c.log(); log != nil {
				log.Warn("MQTT handler returned error", "topic", topic, "error", err)
			}
		}
	}
}
