package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/panduza/panduza-core/internal/connector"
	"github.com/panduza/panduza-core/internal/dispatcher"
	"github.com/panduza/panduza-core/internal/factory"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/instance"
	"github.com/panduza/panduza-core/internal/notify"
)

// DefaultRetryDelay is used when Options.RetryDelay is zero.
const DefaultRetryDelay = time.Second

// Logger defines the logging interface for the reactor.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a reactor.
type Options struct {
	// Namespace prefixes every topic.
	Namespace string

	// RetryDelay separates attempts of the first broker connection.
	RetryDelay time.Duration

	// Grace bounds how long cleaning waits for instance subtasks. Zero
	// keeps the instance default.
	Grace time.Duration

	// Connectors is the shared transport registry. Nil opens system ports.
	Connectors *connector.Registry
}

type entry struct {
	inst *instance.Instance
	mon  *instance.Monitor
	done chan struct{}
}

// Reactor runs the fleet.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Instances may be spawned before Run; they wait in Connecting until
//     the broker session is up.
type Reactor struct {
	opts       Options
	dial       Dialer
	factory    *factory.Factory
	dispatcher *dispatcher.Dispatcher
	connectors *connector.Registry
	info       *infopack.InfoPack
	broker     notify.Flag
	env        *instance.Env
	logger     Logger

	clientMu sync.RWMutex
	client   Client

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu        sync.Mutex
	instances map[string]*entry
	closed    bool
}

// New creates a reactor producing instances with f and reaching the broker
// through dial.
func New(opts Options, f *factory.Factory, dial Dialer) *Reactor {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Connectors == nil {
		opts.Connectors = connector.NewRegistry(connector.SystemDialer{})
	}

	r := &Reactor{
		opts:       opts,
		dial:       dial,
		factory:    f,
		dispatcher: dispatcher.New(),
		connectors: opts.Connectors,
		info:       infopack.New(opts.Namespace),
		logger:     noopLogger{},
		instances:  make(map[string]*entry),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.env = &instance.Env{
		Namespace:  opts.Namespace,
		Bus:        bus{r: r},
		Dispatcher: r.dispatcher,
		Connectors: r.connectors,
		Notifier:   r.info,
		Broker:     &r.broker,
	}
	return r
}

// SetLogger sets the logger of the reactor and of the components it owns.
// Instances derive theirs from it. Call it before spawning instances.
func (r *Reactor) SetLogger(logger *slog.Logger) {
	r.logger = logger
	r.env.Logger = logger
	r.dispatcher.SetLogger(logger)
	r.connectors.SetLogger(logger)
	r.info.SetLogger(logger)
}

// Env returns the runtime shared by every instance.
func (r *Reactor) Env() *instance.Env { return r.env }

// InfoPack returns the fleet aggregate.
func (r *Reactor) InfoPack() *infopack.InfoPack { return r.info }

// Dispatcher returns the shared message dispatcher.
func (r *Reactor) Dispatcher() *dispatcher.Dispatcher { return r.dispatcher }

// Connectors returns the shared connector registry.
func (r *Reactor) Connectors() *connector.Registry { return r.connectors }

// Factory returns the producer registry.
func (r *Reactor) Factory() *factory.Factory { return r.factory }

// Broker returns the flag tracking the broker link.
func (r *Reactor) Broker() *notify.Flag { return &r.broker }

// Run connects to the broker and serves until ctx is done, then stops every
// instance and closes the session.
//
// Returns:
//   - error: nil on a requested shutdown
func (r *Reactor) Run(ctx context.Context) error {
	defer r.shutdown()

	c, err := r.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	c.SetOnConnect(r.onConnect)
	c.SetOnDisconnect(r.onDisconnect)
	r.clientMu.Lock()
	r.client = c
	r.clientMu.Unlock()
	r.broker.Set(c.IsConnected())
	r.logger.Info("broker connected")

	<-ctx.Done()
	return nil
}

// connect dials until a session is open or ctx is done.
func (r *Reactor) connect(ctx context.Context) (Client, error) {
	for {
		c, err := r.dial(ctx)
		if err == nil {
			return c, nil
		}
		r.logger.Warn("broker connection failed", "error", err, "retry_in", r.opts.RetryDelay)

		t := time.NewTimer(r.opts.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Reactor) currentClient() Client {
	r.clientMu.RLock()
	defer r.clientMu.RUnlock()
	return r.client
}

// route hands an inbound message to the dispatcher.
func (r *Reactor) route(topic string, payload []byte) error {
	if !r.dispatcher.Dispatch(topic, payload) {
		r.logger.Debug("no endpoint for message", "topic", topic)
	}
	return nil
}

func (r *Reactor) onConnect() {
	r.logger.Info("broker reconnected")
	r.broker.Set(true)

	for _, e := range r.entries() {
		if err := e.inst.Republish(); err != nil {
			r.logger.Warn("republish failed", "instance", e.inst.Name(), "error", err)
		}
	}
}

func (r *Reactor) onDisconnect(err error) {
	r.logger.Warn("broker connection lost", "error", err)
	r.broker.Set(false)
}

// Spawn produces order and runs the resulting instance.
//
// Returns:
//   - error: ErrInstanceExists, ErrClosed, or the factory error
func (r *Reactor) Spawn(order factory.ProductionOrder) error {
	r.mu.Lock()
	_, exists := r.instances[order.DeviceName]
	r.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrInstanceExists, order.DeviceName)
	}

	inst, mon, err := r.factory.Produce(order, r.env)
	if err != nil {
		return err
	}
	return r.Attach(inst, mon)
}

// Attach runs an instance built outside the factory, such as the
// reflective device. inst must have been created with Env.
func (r *Reactor) Attach(inst *instance.Instance, mon *instance.Monitor) error {
	if r.opts.Grace > 0 {
		inst.SetGrace(r.opts.Grace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	name := inst.Name()
	if _, ok := r.instances[name]; ok {
		return fmt.Errorf("%w: %s", ErrInstanceExists, name)
	}

	e := &entry{inst: inst, mon: mon, done: make(chan struct{})}
	r.instances[name] = e
	r.group.Go(func() error {
		defer close(e.done)
		defer r.forget(name, e)
		r.runInstance(e)
		return nil
	})
	r.logger.Info("instance spawned", "instance", name)
	return nil
}

// runInstance runs the instance and its monitor until the instance stops.
func (r *Reactor) runInstance(e *entry) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.mon.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return e.inst.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		r.logger.Error("instance ended with error", "instance", e.inst.Name(), "error", err)
	}
}

func (r *Reactor) forget(name string, e *entry) {
	r.mu.Lock()
	if r.instances[name] == e {
		delete(r.instances, name)
	}
	r.mu.Unlock()
}

// Remove stops an instance and waits for it to reach Stopped.
//
// Returns:
//   - error: ErrUnknownInstance, or ctx.Err() if the wait was abandoned
func (r *Reactor) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.instances[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}

	e.inst.Stop()
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.info.Remove(name)
	r.logger.Info("instance removed", "instance", name)
	return nil
}

// Instances returns the names of the running instances, sorted.
func (r *Reactor) Instances() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.instances))
}

// Instance returns the named instance, or nil.
func (r *Reactor) Instance(name string) *instance.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.instances[name]; ok {
		return e.inst
	}
	return nil
}

func (r *Reactor) entries() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Collect(maps.Values(r.instances))
}

// shutdown stops every instance, then closes the broker session.
func (r *Reactor) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, e := range r.entries() {
		e.inst.Stop()
	}
	_ = r.group.Wait()
	r.cancel()

	r.broker.Set(false)
	r.clientMu.Lock()
	c := r.client
	r.client = nil
	r.clientMu.Unlock()
	if c != nil {
		if err := c.Close(); err != nil {
			r.logger.Warn("closing broker session", "error", err)
		}
	}
	r.dispatcher.Close()
	r.logger.Info("reactor stopped")
}
