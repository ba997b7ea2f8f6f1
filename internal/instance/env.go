package instance

import (
	"log/slog"

	"github.com/panduza/panduza-core/internal/connector"
	"github.com/panduza/panduza-core/internal/dispatcher"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/notify"
)

// QoS levels used on the bus.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
)

// Bus is the part of the message client attributes use.
//
// Subscribe routes the topic's messages to the shared dispatcher; it does not
// take a handler.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
}

// Notifier receives state, alert and structural notifications.
type Notifier interface {
	Notify(n infopack.Notification)
}

// Logger defines the logging interface for instances.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopNotifier struct{}

func (noopNotifier) Notify(infopack.Notification) {}

// Env is the shared runtime an instance is attached to. It is built once by
// the reactor and shared by every instance.
type Env struct {
	// Namespace prefixes every topic. May be empty.
	Namespace string

	// Bus publishes attribute values and subscribes command topics.
	Bus Bus

	// Dispatcher routes command messages to attributes.
	Dispatcher *dispatcher.Dispatcher

	// Connectors hands out shared transport connectors to drivers.
	Connectors *connector.Registry

	// Notifier receives state, alert and structure notifications.
	Notifier Notifier

	// Broker is true while the message client is connected.
	Broker *notify.Flag

	// Logger is the parent logger. Each instance derives its own with
	// With("instance", name), and each attribute adds "attribute". Nil
	// discards.
	Logger *slog.Logger
}

func (e *Env) withDefaults() *Env {
	c := *e
	if c.Dispatcher == nil {
		c.Dispatcher = dispatcher.New()
	}
	if c.Notifier == nil {
		c.Notifier = noopNotifier{}
	}
	if c.Broker == nil {
		c.Broker = &notify.Flag{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return &c
}
