package reactor

import (
	"context"

	"github.com/panduza/panduza-core/internal/infrastructure/mqtt"
)

// Client is the broker session the reactor drives. *mqtt.Client satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	Close() error
}

// Dialer opens a broker session.
type Dialer func(ctx context.Context) (Client, error)

// MQTTDialer returns a dialer connecting with cfg. setup, when non-nil, is
// applied to every new client before it is handed to the reactor.
func MQTTDialer(cfg mqtt.Config, setup func(*mqtt.Client)) Dialer {
	return func(context.Context) (Client, error) {
		c, err := mqtt.Connect(cfg)
		if err != nil {
			return nil, err
		}
		if setup != nil {
			setup(c)
		}
		return c, nil
	}
}

// bus is the instance.Bus handed to every instance. Inbound messages of
// every subscribed topic go through the shared dispatcher.
type bus struct {
	r *Reactor
}

func (b bus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c := b.r.currentClient()
	if c == nil {
		return ErrNotConnected
	}
	return c.Publish(topic, payload, qos, retained)
}

func (b bus) Subscribe(topic string, qos byte) error {
	c := b.r.currentClient()
	if c == nil {
		return ErrNotConnected
	}
	return c.Subscribe(topic, qos, b.r.route)
}

func (b bus) Unsubscribe(topic string) error {
	c := b.r.currentClient()
	if c == nil {
		return ErrNotConnected
	}
	return c.Unsubscribe(topic)
}
