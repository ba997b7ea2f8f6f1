package connector

import (
	"errors"
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

// Domain errors for the connector package.
// Each wraps an errkind so callers can classify without importing this package.
var (
	// ErrTimeout is returned when a read makes no progress within the read timeout.
	ErrTimeout = fmt.Errorf("connector: no progress within read timeout: %w", errkind.ErrTimeout)

	// ErrProtocol is returned when the codec rejects the bytes read back.
	ErrProtocol = fmt.Errorf("connector: protocol error: %w", errkind.ErrCodec)

	// ErrPortIO is returned when the underlying port fails.
	ErrPortIO = fmt.Errorf("connector: port failure: %w", errkind.ErrIO)

	// ErrBufferFull is returned when a terminated read fills the caller's buffer.
	ErrBufferFull = fmt.Errorf("connector: buffer full before terminator: %w", errkind.ErrIO)

	// ErrPortNotFound is returned when no port matches the configured selector.
	ErrPortNotFound = fmt.Errorf("connector: no matching port: %w", errkind.ErrIO)

	// ErrSettingsConflict is returned when a port already in use is acquired
	// with different transport settings.
	ErrSettingsConflict = fmt.Errorf("connector: port already open with other settings: %w", errkind.ErrBadSettings)

	// ErrReleased is returned when a lease is used after Release.
	ErrReleased = errors.New("connector: lease released")
)
