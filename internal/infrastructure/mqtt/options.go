package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// DefaultKeepAlive is the keepalive interval for the connection.
	DefaultKeepAlive = 5 * time.Second

	// DefaultRetryDelay is the reconnect delay when none is configured.
	DefaultRetryDelay = time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Config holds the broker connection parameters.
type Config struct {
	// Host and Port locate the broker.
	Host string
	Port int

	// ClientID identifies the platform on the broker. Generated when empty.
	ClientID string

	// Username and Password are sent when Username is set. The password is never logged.
	Username string
	Password string

	TLS bool

	// RetryDelay bounds the reconnect interval after a broker drop.
	RetryDelay time.Duration

	// KeepAlive is the ping interval. Defaults to DefaultKeepAlive.
	KeepAlive time.Duration

	// Namespace prefixes the platform status topic.
	Namespace string
}

// Validate checks the fields Connect depends on.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: broker host is required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: broker port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

// BrokerURL returns the URL handed to paho.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = NewClientID("panduza")
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	return c
}

// NewClientID returns prefix followed by a short random suffix, so two
// platforms sharing a broker never kick each other off.
func NewClientID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// buildClientOptions maps cfg onto paho options.
//
// Sessions are clean: the route table, not the broker, remembers
// subscriptions. paho heals dropped connections with a backoff capped at
// cfg.RetryDelay; the very first connect is left to the reactor.
//
// Messages are handed over in broker order on a single goroutine, so a
// handler must not block on a publish. The reactor's handler only queues.
func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(cfg.RetryDelay).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(cfg.KeepAlive).
		SetOrderMatters(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// configureLWT registers the retained offline status as Last Will on
// <namespace>/_/platform/att.
func configureLWT(opts *pahomqtt.ClientOptions, cfg Config) {
	will := statusPayload("offline", cfg.ClientID, "unexpected_disconnect")
	opts.SetBinaryWill(Topics{Namespace: cfg.Namespace}.PlatformStatus(), will, QoSAtLeastOnce, true)
}
