package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/panduza/panduza-core/internal/errkind"
)

// Serial defaults.
const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultStopBits = 1
)

// Parity values accepted in serial settings.
const (
	ParityNone = "none"
	ParityEven = "even"
	ParityOdd  = "odd"
)

// Flow control values accepted in serial settings.
const (
	FlowNone     = "none"
	FlowSoftware = "software"
	FlowHardware = "hardware"
)

// Duration is a time.Duration read from JSON as either a Go duration
// string ("100ms", "2s") or an integer number of milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %w", errkind.ErrBadSettings, s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("%w: duration must be a string or milliseconds: %w", errkind.ErrBadSettings, err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// USBSelector picks a USB device by any combination of vendor id, product
// id and serial number. Absent fields act as wildcards.
type USBSelector struct {
	Vendor *uint16 `json:"vendor,omitempty"`
	Model  *uint16 `json:"model,omitempty"`
	Serial *string `json:"serial,omitempty"`
}

// UnmarshalJSON accepts ids as numbers or hexadecimal strings ("0x0416").
func (s *USBSelector) UnmarshalJSON(data []byte) error {
	var aux struct {
		Vendor json.RawMessage `json:"vendor"`
		Model  json.RawMessage `json:"model"`
		Serial *string         `json:"serial"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: usb selector: %w", errkind.ErrBadSettings, err)
	}
	var err error
	if s.Vendor, err = parseID(aux.Vendor); err != nil {
		return fmt.Errorf("%w: usb vendor: %w", errkind.ErrBadSettings, err)
	}
	if s.Model, err = parseID(aux.Model); err != nil {
		return fmt.Errorf("%w: usb model: %w", errkind.ErrBadSettings, err)
	}
	s.Serial = aux.Serial
	return nil
}

func parseID(raw json.RawMessage) (*uint16, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var v uint64
	var err error
	if raw[0] == '"' {
		var s string
		if err = json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		v, err = strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	} else {
		v, err = strconv.ParseUint(string(raw), 10, 16)
	}
	if err != nil {
		return nil, err
	}
	id := uint16(v)
	return &id, nil
}

// Matches reports whether a device advertising the given identity satisfies
// every field present in the selector.
func (s USBSelector) Matches(vendor, model uint16, serial string) bool {
	if s.Vendor != nil && *s.Vendor != vendor {
		return false
	}
	if s.Model != nil && *s.Model != model {
		return false
	}
	if s.Serial != nil && *s.Serial != serial {
		return false
	}
	return true
}

// IsZero reports whether the selector matches every device.
func (s USBSelector) IsZero() bool {
	return s.Vendor == nil && s.Model == nil && s.Serial == nil
}

func (s USBSelector) String() string {
	var parts []string
	if s.Vendor != nil {
		parts = append(parts, fmt.Sprintf("vendor=%04x", *s.Vendor))
	}
	if s.Model != nil {
		parts = append(parts, fmt.Sprintf("model=%04x", *s.Model))
	}
	if s.Serial != nil {
		parts = append(parts, "serial="+*s.Serial)
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, ",")
}

// SerialSettings configures a serial transport.
//
// Either PortName or USB must be set. When only USB is set, the port is
// resolved at open time from the system's USB serial adapters.
type SerialSettings struct {
	PortName         string       `json:"port_name,omitempty"`
	USB              *USBSelector `json:"usb,omitempty"`
	BaudRate         int          `json:"baudrate,omitempty"`
	DataBits         int          `json:"data_bits,omitempty"`
	Parity           string       `json:"parity,omitempty"`
	StopBits         int          `json:"stop_bits,omitempty"`
	FlowControl      string       `json:"flow_control,omitempty"`
	ReadTimeout      Duration     `json:"read_timeout,omitempty"`
	TimeLockDuration Duration     `json:"time_lock_duration,omitempty"`
	Codec            string       `json:"codec,omitempty"`
}

// ParseSerialSettings decodes serial settings from a device_settings blob,
// applies defaults and validates the result.
//
// Returns:
//   - SerialSettings: Settings with defaults applied
//   - error: wraps errkind.ErrBadSettings on any refused field
func ParseSerialSettings(raw json.RawMessage) (SerialSettings, error) {
	var s SerialSettings
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return SerialSettings{}, fmt.Errorf("%w: serial settings: %w", errkind.ErrBadSettings, err)
		}
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return SerialSettings{}, err
	}
	return s, nil
}

func (s *SerialSettings) applyDefaults() {
	if s.BaudRate == 0 {
		s.BaudRate = DefaultBaudRate
	}
	if s.DataBits == 0 {
		s.DataBits = DefaultDataBits
	}
	if s.StopBits == 0 {
		s.StopBits = DefaultStopBits
	}
	if s.Parity == "" {
		s.Parity = ParityNone
	}
	if s.FlowControl == "" {
		s.FlowControl = FlowNone
	}
}

// Validate checks the settings once defaults have been applied.
func (s SerialSettings) Validate() error {
	var errs []string

	if s.PortName == "" && (s.USB == nil || s.USB.IsZero()) {
		errs = append(errs, "port_name or usb selector is required")
	}
	if s.BaudRate < 0 {
		errs = append(errs, "baudrate must be positive")
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		errs = append(errs, "data_bits must be 5, 6, 7 or 8")
	}
	switch s.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		errs = append(errs, fmt.Sprintf("parity %q must be none, even or odd", s.Parity))
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		errs = append(errs, "stop_bits must be 1 or 2")
	}
	switch s.FlowControl {
	case FlowNone, FlowHardware:
	case FlowSoftware:
		errs = append(errs, "flow_control software is not supported by the serial transport")
	default:
		errs = append(errs, fmt.Sprintf("flow_control %q must be none, software or hardware", s.FlowControl))
	}
	if s.ReadTimeout < 0 || s.TimeLockDuration < 0 {
		errs = append(errs, "durations must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", errkind.ErrBadSettings, strings.Join(errs, "; "))
	}
	return nil
}

// USBSettings configures a USB bulk transport.
type USBSettings struct {
	USBSelector
	Interface        int      `json:"interface,omitempty"`
	ChunkSize        int      `json:"chunk_size,omitempty"`
	ReadTimeout      Duration `json:"read_timeout,omitempty"`
	TimeLockDuration Duration `json:"time_lock_duration,omitempty"`
	Codec            string   `json:"codec,omitempty"`
}

// UnmarshalJSON decodes the selector fields and the transport options from
// the same object.
func (s *USBSettings) UnmarshalJSON(data []byte) error {
	if err := s.USBSelector.UnmarshalJSON(data); err != nil {
		return err
	}
	var aux struct {
		Interface        int      `json:"interface"`
		ChunkSize        int      `json:"chunk_size"`
		ReadTimeout      Duration `json:"read_timeout"`
		TimeLockDuration Duration `json:"time_lock_duration"`
		Codec            string   `json:"codec"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: usb settings: %w", errkind.ErrBadSettings, err)
	}
	s.Interface = aux.Interface
	s.ChunkSize = aux.ChunkSize
	s.ReadTimeout = aux.ReadTimeout
	s.TimeLockDuration = aux.TimeLockDuration
	s.Codec = aux.Codec
	return nil
}

// ParseUSBSettings decodes and validates USB settings.
func ParseUSBSettings(raw json.RawMessage) (USBSettings, error) {
	var s USBSettings
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return USBSettings{}, fmt.Errorf("%w: usb settings: %w", errkind.ErrBadSettings, err)
		}
	}
	if s.IsZero() {
		return USBSettings{}, fmt.Errorf("%w: usb settings need at least one of vendor, model, serial", errkind.ErrBadSettings)
	}
	if s.Interface < 0 || s.ChunkSize < 0 {
		return USBSettings{}, fmt.Errorf("%w: interface and chunk_size must not be negative", errkind.ErrBadSettings)
	}
	return s, nil
}
