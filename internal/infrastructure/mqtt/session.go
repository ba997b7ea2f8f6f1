package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/panduza/panduza-core/internal/topic"
)

// QoS levels.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
	QoSExactlyOnce byte = 2
)

// maxPayloadSize caps a single attribute value or command (1MB).
const maxPayloadSize = 1 << 20

// await blocks on a paho token and folds its outcome into kind.
func await(tok pahomqtt.Token, timeout time.Duration, kind error) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("%w: no acknowledgement after %v", kind, timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// Publish sends payload on topic and waits for the broker acknowledgement.
//
// Attribute values (.../att) are usually retained so late subscribers see
// the current state. Commands (.../cmd) are never retained: a retained
// command would be replayed to the attribute on every reconnect.
//
// Every call, including rejected ones, is reported to the observer.
func (c *Client) Publish(topicName string, payload []byte, qos byte, retained bool) (err error) {
	if obs := c.getObserver(); obs != nil {
		defer func() { obs.ObservePublish(topicName, err) }()
	}

	if err := checkTopic(topicName, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if retained {
		if _, dir, ok := topic.SplitDirection(topicName); ok && dir == topic.SuffixCmd {
			return fmt.Errorf("%w: %s", ErrRetainedCommand, topicName)
		}
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.paho.Publish(topicName, qos, retained, payload), defaultPublishTimeout, ErrPublishFailed)
}

// Subscribe routes messages matching pattern to handler.
//
// Attributes subscribe their exact .../cmd topic; wildcards are accepted for
// tooling that watches a whole instance. The route is remembered and
// replayed after every reconnect. A failed subscribe leaves no route behind.
func (c *Client) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	if err := checkTopic(pattern, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, pattern)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	r := route{pattern: pattern, qos: qos, handler: handler}
	c.routes.put(r)
	if err := await(c.paho.Subscribe(pattern, qos, c.wrap(handler)), defaultPublishTimeout, ErrSubscribeFailed); err != nil {
		c.routes.drop(pattern)
		return err
	}
	return nil
}

// Unsubscribe forgets the route for pattern and tells the broker.
//
// Messages already in flight may still reach the old handler.
func (c *Client) Unsubscribe(pattern string) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.routes.drop(pattern)
	return await(c.paho.Unsubscribe(pattern), defaultPublishTimeout, ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of remembered routes.
func (c *Client) SubscriptionCount() int {
	return c.routes.len()
}

// HasSubscription reports whether pattern has a route. The match is on the
// exact pattern string, not on wildcard semantics.
func (c *Client) HasSubscription(pattern string) bool {
	return c.routes.has(pattern)
}

func checkTopic(name string, qos byte) error {
	if name == "" {
		return ErrInvalidTopic
	}
	if qos > QoSExactlyOnce {
		return ErrInvalidQoS
	}
	return nil
}

func (c *Client) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		deliver(c.getLogger(), handler, msg.Topic(), msg.Payload())
	}
}

// deliver runs handler, logging its error and absorbing a panic so one
// faulty attribute cannot take down paho's router goroutine.
func deliver(logger Logger, handler MessageHandler, topicName string, payload []byte) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("MQTT handler panic recovered", "topic", topicName, "panic", r)
		}
	}()

	if err := handler(topicName, payload); err != nil && logger != nil {
		logger.Warn("MQTT handler returned error", "topic", topicName, "error", err)
	}
}
