package instance

import (
	"errors"
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

// Domain errors for the instance package.
var (
	// ErrNameTaken is returned when a sibling already uses the requested name.
	ErrNameTaken = fmt.Errorf("instance: sibling name already used: %w", errkind.ErrBadSettings)

	// ErrInvalidAccess is returned when an access mode does not fit the codec or retain flag.
	ErrInvalidAccess = fmt.Errorf("instance: invalid access mode: %w", errkind.ErrBadSettings)

	// ErrNotMounted is returned when building on a tree that was torn down.
	ErrNotMounted = fmt.Errorf("instance: attribute tree not mounted: %w", errkind.ErrInternalLogic)

	// ErrWriteOnly is returned by Set and Get on a write-only attribute.
	ErrWriteOnly = fmt.Errorf("instance: attribute is write-only: %w", errkind.ErrInternalLogic)

	// ErrPublish is returned when the broker refuses an attribute publish.
	ErrPublish = fmt.Errorf("instance: publish failed: %w", errkind.ErrPublish)

	// ErrSubscribe is returned when the broker refuses a command subscription.
	ErrSubscribe = fmt.Errorf("instance: subscribe failed: %w", errkind.ErrSubscribe)

	// ErrNoValueYet is returned by Get before the first Set.
	ErrNoValueYet = fmt.Errorf("instance: %w", errkind.ErrNoValueYet)

	// ErrMonitorClosed is returned when spawning on a stopped monitor.
	ErrMonitorClosed = errors.New("instance: monitor closed")

	// ErrBrokerDisconnected is the alert raised when the broker link drops while running.
	ErrBrokerDisconnected = errors.New("instance: broker disconnected")
)
