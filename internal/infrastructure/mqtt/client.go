package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the platform's broker session.
//
// One Client is shared by every instance of a reactor. It owns the paho
// connection, announces the platform on the status topic and replays the
// route table after each reconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	paho pahomqtt.Client
	cfg  Config

	routes routeTable
	up     atomic.Bool

	hooksMu      sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
	observer     Observer
}

// Logger is the subset of logging.Logger the client writes to.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Observer receives the outcome of every publish. Used for metrics.
type Observer interface {
	ObservePublish(topic string, err error)
}

// MessageHandler receives one inbound message.
//
// paho calls handlers from its own goroutines. A returned error is logged
// and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker described by cfg.
//
// The Last Will marks the platform offline on the status topic if the
// process dies without Close. The first attempt is not retried here; the
// reactor owns that loop. Later drops are healed by paho, bounded by
// cfg.RetryDelay.
//
// Returns:
//   - *Client: Connected client
//   - error: ErrInvalidConfig or ErrConnectionFailed
func Connect(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{cfg: cfg}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// The connect handler runs on its own goroutine and may lag behind.
	c.up.Store(true)
	return c, nil
}

// ClientID returns the identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

func (c *Client) connected() {
	c.up.Store(true)
	c.routes.restore(c)
	c.announce("online", "")

	c.hooksMu.RLock()
	cb := c.onConnect
	c.hooksMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) lost(err error) {
	c.up.Store(false)
	if l := c.getLogger(); l != nil {
		l.Warn("MQTT connection lost", "client_id", c.cfg.ClientID, "error", err)
	}

	c.hooksMu.RLock()
	cb := c.onDisconnect
	c.hooksMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// platformStatus is the retained payload of the platform status topic.
type platformStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(status, clientID, reason string) []byte {
	// A struct of plain strings always encodes.
	data, _ := json.Marshal(platformStatus{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// announce publishes the platform status without waiting for the ack.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	topic := Topics{Namespace: c.cfg.Namespace}.PlatformStatus()
	return c.paho.Publish(topic, QoSAtLeastOnce, true, statusPayload(status, c.cfg.ClientID, reason))
}

// Close marks the platform offline and disconnects.
//
// The graceful offline status carries a different reason than the Last Will
// so an operator can tell a shutdown from a crash.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.announce("offline", "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.up.Load() && c.paho.IsConnected()
}

// SetOnConnect sets the callback run after the first connect and every
// reconnect, once subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.hooksMu.Lock()
	c.onConnect = callback
	c.hooksMu.Unlock()
}

// SetOnDisconnect sets the callback run when the connection drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hooksMu.Lock()
	c.onDisconnect = callback
	c.hooksMu.Unlock()
}

// SetLogger sets the logger for handler failures and restore errors.
func (c *Client) SetLogger(logger Logger) {
	c.hooksMu.Lock()
	c.logger = logger
	c.hooksMu.Unlock()
}

// SetObserver sets the publish observer.
func (c *Client) SetObserver(o Observer) {
	c.hooksMu.Lock()
	c.observer = o
	c.hooksMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.logger
}

func (c *Client) getObserver() Observer {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.observer
}
