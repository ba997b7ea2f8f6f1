// Package discovery answers platform local broker discovery (plbd)
// requests.
//
// Clients broadcast {"search": true} on UDP port 53035; every platform
// replies to the sender with its name, version and broker address.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the plbd UDP port.
const DefaultPort = 53035

const maxDatagram = 2048

// Broker is the broker address announced to clients.
type Broker struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// Answer is the reply to a search request.
type Answer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Broker  Broker `json:"broker"`
}

type request struct {
	Search bool `json:"search"`
}

// Logger defines the logging interface for the responder.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Responder serves plbd requests.
type Responder struct {
	answer []byte
	logger Logger
}

// NewResponder creates a responder announcing a.
func NewResponder(a Answer) (*Responder, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("discovery: encoding answer: %w", err)
	}
	return &Responder{answer: data, logger: noopLogger{}}, nil
}

// SetLogger sets the logger.
func (r *Responder) SetLogger(logger Logger) {
	r.logger = logger
}

// ListenAndServe listens on UDP port and serves until ctx is done.
func (r *Responder) ListenAndServe(ctx context.Context, port int) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("discovery: listening on %d: %w", port, err)
	}
	return r.Serve(ctx, conn)
}

// Serve answers requests read from conn until ctx is done. conn is closed
// on return.
func (r *Responder) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() }) //nolint:errcheck // unblocks ReadFrom
	defer stop()
	defer conn.Close() //nolint:errcheck // closed twice on cancel

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery: reading: %w", err)
		}

		var req request
		if err := json.Unmarshal(buf[:n], &req); err != nil || !req.Search {
			r.logger.Debug("ignoring discovery datagram", "from", from.String())
			continue
		}
		if _, err := conn.WriteTo(r.answer, from); err != nil {
			r.logger.Warn("discovery answer failed", "to", from.String(), "error", err)
		}
	}
}
