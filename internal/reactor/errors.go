package reactor

import (
	"errors"
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

var (
	// ErrInstanceExists is returned when spawning a name already in the fleet.
	ErrInstanceExists = fmt.Errorf("reactor: instance already exists: %w", errkind.ErrBadSettings)

	// ErrUnknownInstance is returned when removing a name not in the fleet.
	ErrUnknownInstance = errors.New("reactor: unknown instance")

	// ErrNotConnected is returned by the bus while no broker session exists.
	ErrNotConnected = fmt.Errorf("reactor: broker not connected: %w", errkind.ErrIO)

	// ErrClosed is returned when spawning after the reactor stopped.
	ErrClosed = errors.New("reactor: closed")
)
