package connector

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/panduza/panduza-core/internal/codec"
)

// DefaultReadTimeout is the per-read timeout used by Exchange when none is configured.
const DefaultReadTimeout = 5 * time.Second

// readChunkSize is the buffer size used for each read during Exchange.
const readChunkSize = 512

// Port is an open physical transport.
//
// Read follows the serial convention: when the read timeout expires without
// data, Read returns (0, nil).
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens the port behind a connector. It is called on first use and
// again after a port failure.
type Opener func(ctx context.Context) (Port, error)

// Options configure a connector.
type Options struct {
	// Codec frames Exchange traffic. Nil selects codec.Raw.
	Codec codec.Codec

	// ReadTimeout bounds each read. Zero selects DefaultReadTimeout.
	ReadTimeout time.Duration

	// TimeLock is the quiet time enforced between two writes. Zero disables it.
	TimeLock time.Duration
}

// Logger defines the logging interface for connectors.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Observer receives the outcome of every exchange. Used for metrics.
type Observer interface {
	ObserveExchange(key string, d time.Duration, err error)
}

// Connector serialises access to one physical port.
//
// All operations hold a single-holder lock for their whole duration, so at
// most one request/response exchange is on the wire at any time. When a
// quiet time is configured, a write waits until that duration has elapsed
// since the previous write completed.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Connector struct {
	key  string
	open Opener
	opts Options

	// sem is the single-holder lock; a buffered channel so waiting honours ctx.
	sem chan struct{}

	// Fields below are guarded by sem.
	port     Port
	lockedAt time.Time
	locked   bool

	logger   Logger
	observer Observer
	mu       sync.RWMutex
}

// New creates a connector. The port is opened lazily on first use.
//
// Parameters:
//   - key: Identity of the port, used in logs and metrics
//   - open: Opens the port
//   - opts: Codec and timing options
//
// Returns:
//   - *Connector: Connector ready for use
func New(key string, open Opener, opts Options) *Connector {
	if opts.Codec == nil {
		opts.Codec = codec.Raw{}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Connector{
		key:    key,
		open:   open,
		opts:   opts,
		sem:    make(chan struct{}, 1),
		logger: noopLogger{},
	}
}

// Key returns the port identity.
func (c *Connector) Key() string {
	return c.key
}

// SetLogger sets the logger used for port lifecycle events.
func (c *Connector) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// SetObserver sets the exchange observer.
func (c *Connector) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

func (c *Connector) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

func (c *Connector) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) unlock() {
	<-c.sem
}

// Write sends data on the port.
func (c *Connector) Write(ctx context.Context, data []byte) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	return c.write(ctx, data)
}

// WriteThenRead sends data then performs a single read into buf.
//
// Returns:
//   - int: Number of bytes read
//   - error: ErrTimeout if nothing arrived within the read timeout
func (c *Connector) WriteThenRead(ctx context.Context, data, buf []byte) (int, error) {
	if err := c.lock(ctx); err != nil {
		return 0, err
	}
	defer c.unlock()

	if err := c.write(ctx, data); err != nil {
		return 0, err
	}
	n, err := c.read(buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// WriteThenReadUntil sends data then reads one byte at a time into buf
// until the terminator is read. The terminator is included in the count.
//
// Returns:
//   - int: Number of bytes stored in buf
//   - error: ErrTimeout, ErrBufferFull or ErrPortIO
func (c *Connector) WriteThenReadUntil(ctx context.Context, data, buf []byte, terminator byte) (int, error) {
	if err := c.lock(ctx); err != nil {
		return 0, err
	}
	defer c.unlock()

	if err := c.write(ctx, data); err != nil {
		return 0, err
	}

	n := 0
	for {
		if n == len(buf) {
			return n, ErrBufferFull
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		got, err := c.read(buf[n : n+1])
		if err != nil {
			return n, err
		}
		if got == 0 {
			return n, ErrTimeout
		}
		n++
		if buf[n-1] == terminator {
			return n, nil
		}
	}
}

// Exchange encodes frame with the connector's codec, writes it, and reads
// until the decoder reports end of frame.
//
// Each read waits at most the configured read timeout; a read that returns
// nothing fails the exchange with ErrTimeout. Bytes received after the end
// of the frame are discarded.
//
// Returns:
//   - []byte: The decoded response frame
//   - error: ErrTimeout, ErrProtocol or ErrPortIO
func (c *Connector) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	start := time.Now()
	resp, err := c.exchange(ctx, frame)

	c.mu.RLock()
	obs := c.observer
	c.mu.RUnlock()
	if obs != nil {
		obs.ObserveExchange(c.key, time.Since(start), err)
	}
	return resp, err
}

func (c *Connector) exchange(ctx context.Context, frame []byte) ([]byte, error) {
	wire, err := c.opts.Codec.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := c.write(ctx, wire); err != nil {
		return nil, err
	}

	dec := c.opts.Codec.NewDecoder()
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := c.read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrTimeout
		}

		data := buf[:n]
		for len(data) > 0 {
			resp, consumed, end, err := dec.Decode(data)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			data = data[consumed:]
			if end {
				if len(data) > 0 {
					c.log().Debug("discarding bytes after frame", "port", c.key, "bytes", len(data))
				}
				return resp, nil
			}
			if consumed == 0 {
				break
			}
		}
	}
}

// write enforces the quiet time then writes data. Must hold sem.
func (c *Connector) write(ctx context.Context, data []byte) error {
	if err := c.waitTimeLock(ctx); err != nil {
		return err
	}
	port, err := c.ensureOpen(ctx)
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n, err := port.Write(data)
		if err != nil {
			c.fail(err)
			return fmt.Errorf("%w: write: %w", ErrPortIO, err)
		}
		data = data[n:]
	}

	if c.opts.TimeLock > 0 {
		c.lockedAt = time.Now()
		c.locked = true
	}
	return nil
}

// waitTimeLock suspends until the quiet time since the last write elapsed,
// then clears the lock. Must hold sem.
func (c *Connector) waitTimeLock(ctx context.Context) error {
	if !c.locked {
		return nil
	}
	remaining := c.opts.TimeLock - time.Since(c.lockedAt)
	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.locked = false
	return nil
}

// read performs one read with the configured timeout. Must hold sem.
func (c *Connector) read(buf []byte) (int, error) {
	if c.port == nil {
		return 0, fmt.Errorf("%w: port not open", ErrPortIO)
	}
	if err := c.port.SetReadTimeout(c.opts.ReadTimeout); err != nil {
		c.fail(err)
		return 0, fmt.Errorf("%w: set read timeout: %w", ErrPortIO, err)
	}
	n, err := c.port.Read(buf)
	if err != nil {
		c.fail(err)
		return 0, fmt.Errorf("%w: read: %w", ErrPortIO, err)
	}
	return n, nil
}

// ensureOpen opens the port if needed. Must hold sem.
func (c *Connector) ensureOpen(ctx context.Context) (Port, error) {
	if c.port != nil {
		return c.port, nil
	}
	port, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPortIO, c.key, err)
	}
	c.port = port
	c.log().Debug("port opened", "port", c.key)
	return port, nil
}

// fail closes a port that returned an error so the next operation reopens it.
// Must hold sem.
func (c *Connector) fail(cause error) {
	if c.port == nil {
		return
	}
	c.log().Warn("closing port after failure", "port", c.key, "error", cause)
	_ = c.port.Close()
	c.port = nil
}

// Close closes the port. Pending operations complete first.
func (c *Connector) Close() error {
	c.sem <- struct{}{}
	defer c.unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}
