package connector

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/panduza/panduza-core/internal/codec"
	"github.com/panduza/panduza-core/internal/errkind"
)

// Transport identifies the kind of physical port.
type Transport string

// Supported transports.
const (
	TransportSerial Transport = "serial"
	TransportUSB    Transport = "usb"
	TransportUSBTMC Transport = "usbtmc"
)

// Description names a physical port and how to drive it.
//
// Only the identity part (transport, port name, USB triplet) takes part in
// the registry key. Every holder of one key must drive the port with the
// same remaining settings.
type Description struct {
	Transport Transport
	Serial    SerialSettings
	USB       USBSettings
}

// SerialDescription describes a serial port.
func SerialDescription(s SerialSettings) Description {
	return Description{Transport: TransportSerial, Serial: s}
}

// USBDescription describes a USB bulk port. With tmc set, the USBTMC framing
// and request/response protocol are used.
func USBDescription(s USBSettings, tmc bool) Description {
	t := TransportUSB
	if tmc {
		t = TransportUSBTMC
	}
	return Description{Transport: t, USB: s}
}

type identity struct {
	Transport Transport    `json:"transport"`
	Port      string       `json:"port,omitempty"`
	USB       *USBSelector `json:"usb,omitempty"`
}

func (d Description) identity() identity {
	id := identity{Transport: d.Transport}
	switch d.Transport {
	case TransportSerial:
		id.Port = d.Serial.PortName
		if id.Port == "" {
			id.USB = d.Serial.USB
		}
	default:
		sel := d.USB.USBSelector
		id.USB = &sel
	}
	return id
}

// Key returns the content address of the port identity: the hex BLAKE3
// digest of its canonical JSON form.
func (d Description) Key() string {
	canonical, _ := json.Marshal(d.identity())
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}

// String returns a human readable port identity for logs.
func (d Description) String() string {
	id := d.identity()
	if id.Port != "" {
		return fmt.Sprintf("%s:%s", id.Transport, id.Port)
	}
	if id.USB != nil {
		return fmt.Sprintf("%s:%s", id.Transport, id.USB)
	}
	return string(id.Transport)
}

// drive returns d with its identity fields cleared, leaving the settings
// that shape how the port is driven.
func (d Description) drive() Description {
	d.Serial.PortName = ""
	d.Serial.USB = nil
	d.USB.USBSelector = USBSelector{}
	return d
}

func (d Description) options() (Options, error) {
	var (
		name     string
		timeout  Duration
		timeLock Duration
	)
	switch d.Transport {
	case TransportSerial:
		name, timeout, timeLock = d.Serial.Codec, d.Serial.ReadTimeout, d.Serial.TimeLockDuration
	case TransportUSB:
		name, timeout, timeLock = d.USB.Codec, d.USB.ReadTimeout, d.USB.TimeLockDuration
	case TransportUSBTMC:
		name, timeout, timeLock = "usbtmc", d.USB.ReadTimeout, d.USB.TimeLockDuration
	default:
		return Options{}, fmt.Errorf("%w: unknown transport %q", errkind.ErrBadSettings, d.Transport)
	}

	var c codec.Codec
	if d.Transport == TransportUSBTMC {
		c = codec.NewUSBTMC(d.USB.ChunkSize)
	} else {
		var err error
		if c, err = codec.ByName(name); err != nil {
			return Options{}, err
		}
	}
	return Options{Codec: c, ReadTimeout: timeout.Std(), TimeLock: timeLock.Std()}, nil
}

// Dialer opens the port named by a description.
type Dialer interface {
	Dial(ctx context.Context, d Description) (Port, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, d Description) (Port, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, d Description) (Port, error) {
	return f(ctx, d)
}

// Resolver returns the name of the serial port a USB adapter enumerates as.
type Resolver func(sel USBSelector) (string, error)

type entry struct {
	conn  *Connector
	drive Description
	refs  int
}

// Registry hands out one shared connector per physical port.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Registry struct {
	dialer   Dialer
	resolver Resolver

	mu      sync.Mutex
	entries map[string]*entry

	logger   Logger
	observer Observer
}

// NewRegistry creates an empty registry opening ports through dialer.
func NewRegistry(dialer Dialer) *Registry {
	return &Registry{
		dialer:   dialer,
		resolver: FindSerialPort,
		entries:  make(map[string]*entry),
		logger:   noopLogger{},
	}
}

// SetResolver replaces the lookup of serial ports given by USB selector.
// The default enumerates the system's USB serial adapters.
func (r *Registry) SetResolver(fn Resolver) {
	r.mu.Lock()
	r.resolver = fn
	r.mu.Unlock()
}

// SetLogger sets the logger given to every connector created afterwards.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// SetObserver sets the exchange observer given to every connector created afterwards.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Lease is a counted reference to a shared connector.
type Lease struct {
	*Connector
	once    sync.Once
	release func()
}

// Release drops the reference. The port closes when the last lease is released.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire returns a lease on the connector for d, creating it on first use.
//
// A serial port given by USB selector is first resolved to its port name,
// so a device addressed both ways shares one connector.
//
// Returns:
//   - *Lease: Shared connector; call Release when done
//   - error: ErrPortNotFound if the selector matches no adapter,
//     ErrSettingsConflict if the port is held with other settings, or
//     wraps errkind.ErrBadSettings if the description cannot be driven
func (r *Registry) Acquire(d Description) (*Lease, error) {
	d, err := r.resolve(d)
	if err != nil {
		return nil, err
	}
	key := d.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if ok && e.drive != d.drive() {
		r.logger.Warn("connector settings conflict", "port", d.String(), "key", key)
		return nil, fmt.Errorf("%w: %s", ErrSettingsConflict, d.String())
	}
	if !ok {
		opts, err := d.options()
		if err != nil {
			return nil, err
		}
		conn := New(key, func(ctx context.Context) (Port, error) {
			return r.dialer.Dial(ctx, d)
		}, opts)
		conn.SetLogger(r.logger)
		if r.observer != nil {
			conn.SetObserver(r.observer)
		}
		e = &entry{conn: conn, drive: d.drive()}
		r.entries[key] = e
		r.logger.Debug("connector created", "port", d.String(), "key", key)
	}
	e.refs++

	return &Lease{Connector: e.conn, release: func() { r.release(key) }}, nil
}

// resolve pins a serial description given only by USB selector to the port
// name it enumerates as.
func (r *Registry) resolve(d Description) (Description, error) {
	if d.Transport != TransportSerial || d.Serial.PortName != "" || d.Serial.USB == nil {
		return d, nil
	}
	r.mu.Lock()
	resolver := r.resolver
	r.mu.Unlock()

	name, err := resolver(*d.Serial.USB)
	if err != nil {
		return Description{}, err
	}
	d.Serial.PortName = name
	return d, nil
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	if err := e.conn.Close(); err != nil {
		r.logger.Warn("closing connector", "key", key, "error", err)
	}
}

// Len returns the number of live connectors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
