package mqtt

import (
	"errors"
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

// Errors returned by the client. Each carries an errkind so the reactor and
// the API can classify failures without importing this package.
var (
	ErrNotConnected     = fmt.Errorf("mqtt: not connected: %w", errkind.ErrIO)
	ErrConnectionFailed = fmt.Errorf("mqtt: connect: %w", errkind.ErrIO)

	ErrPublishFailed   = fmt.Errorf("mqtt: publish: %w", errkind.ErrPublish)
	ErrRetainedCommand = fmt.Errorf("mqtt: command topics are never retained: %w", errkind.ErrPublish)

	ErrSubscribeFailed   = fmt.Errorf("mqtt: subscribe: %w", errkind.ErrSubscribe)
	ErrUnsubscribeFailed = fmt.Errorf("mqtt: unsubscribe: %w", errkind.ErrSubscribe)

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS   = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic = errors.New("mqtt: empty topic")

	ErrInvalidConfig = fmt.Errorf("mqtt: invalid configuration: %w", errkind.ErrBadSettings)
)
