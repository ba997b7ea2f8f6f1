package influxdb

import (
	"errors"
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

var (
	// ErrNotConnected indicates the client was closed.
	ErrNotConnected = fmt.Errorf("influxdb: not connected: %w", errkind.ErrIO)

	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = fmt.Errorf("influxdb: connection failed: %w", errkind.ErrIO)

	// ErrDisabled indicates telemetry is disabled in the configuration.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
