package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/panduza/panduza-core/internal/factory"
	"github.com/panduza/panduza-core/internal/fleet"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/infrastructure/config"
	"github.com/panduza/panduza-core/internal/infrastructure/logging"
)

// shutdownGrace bounds how long Close waits for open requests.
const shutdownGrace = 10 * time.Second

// Runtime is the part of the reactor the API drives.
type Runtime interface {
	Spawn(order factory.ProductionOrder) error
	Remove(ctx context.Context, name string) error
	Instances() []string
	InfoPack() *infopack.InfoPack
	Factory() *factory.Factory
}

// Fleet is the persisted order store.
type Fleet interface {
	List(ctx context.Context) ([]fleet.Record, error)
	Get(ctx context.Context, name string) (fleet.Record, error)
	Create(ctx context.Context, order factory.ProductionOrder) error
	Delete(ctx context.Context, name string) error
}

// Deps are the collaborators of a Server. Logger and Runtime are required.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Runtime Runtime

	// Fleet backs the /fleet routes; without it they answer 503.
	Fleet Fleet

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Broker reports the broker link in /health.
	Broker func() bool

	Version string
}

// Server exposes the fleet over HTTP and streams info pack snapshots over
// WebSocket.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	runtime Runtime
	fleet   Fleet
	metrics http.Handler
	broker  func() bool
	version string
	started time.Time

	hub    *Hub
	http   *http.Server
	addr   net.Addr
	cancel context.CancelFunc
}

// New checks deps and builds a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Runtime == nil:
		return nil, errors.New("api: runtime is required")
	}

	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		runtime: deps.Runtime,
		fleet:   deps.Fleet,
		metrics: deps.Metrics,
		broker:  deps.Broker,
		version: deps.Version,
		started: time.Now(),
		hub:     NewHub(deps.Logger),
	}
	s.hub.snapshot = s.snapshot
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener, then serves in the background until Close.
// The snapshot relay and the WebSocket hub stop with ctx.
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.addr = ln.Addr()

	bg, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(bg)
	go s.relay(bg, s.runtime.InfoPack())

	read := time.Duration(s.cfg.Timeouts.Read) * time.Second
	s.http = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	s.logger.Info("api listening", "address", s.addr.String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Close stops the relay and the hub, then waits up to shutdownGrace for
// open requests. Safe before Start.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.http == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("api stopped")
	return nil
}
