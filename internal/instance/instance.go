package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panduza/panduza-core/internal/connector"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/notify"
	"github.com/panduza/panduza-core/internal/topic"
)

// Instance is one running device: a state machine around its Operations,
// its attribute tree and its monitor.
//
// Lifecycle:
//
//	Connecting -> Initialising -> Running -> Warning -> Cleaning -> Connecting ...
//	any state -> Stopping -> Stopped
//
// Every transition emits a state notification. Entering Warning emits an
// alert carrying the error that caused it.
//
// Thread Safety:
//   - Accessors are safe for concurrent use. Run must be called once.
type Instance struct {
	name    string
	topic   topic.Topic
	ops     Operations
	env     *Env
	monitor *Monitor
	logger  *slog.Logger
	grace   time.Duration

	mu    sync.RWMutex
	state State
	root  *Class
	tree  *tree

	stateSig notify.Signal
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an instance named name. The monitor must be run alongside the
// instance by the caller.
//
// Parameters:
//   - name: Instance name, the first topic layer below the namespace
//   - ops: Driver operations
//   - monitor: Subtask supervisor dedicated to this instance
//   - env: Shared runtime
//
// Returns:
//   - *Instance: Instance in the Connecting state, not yet running
//   - error: If the name cannot be used in a topic
func New(name string, ops Operations, monitor *Monitor, env *Env) (*Instance, error) {
	if err := topic.ValidateName(name); err != nil {
		return nil, fmt.Errorf("instance %q: %w", name, err)
	}
	if ops == nil {
		return nil, fmt.Errorf("instance %q: nil operations", name)
	}
	if env == nil {
		env = &Env{}
	}
	env = env.withDefaults()
	logger := env.Logger.With("instance", name)
	monitor.SetLogger(logger)
	return &Instance{
		name:    name,
		topic:   topic.New(env.Namespace, name),
		ops:     ops,
		env:     env,
		monitor: monitor,
		logger:  logger,
		grace:   DefaultGrace,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// SetGrace sets how long Cleaning waits for subtasks before detaching them.
func (i *Instance) SetGrace(d time.Duration) {
	i.grace = d
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.name }

// Topic returns the instance root topic.
func (i *Instance) Topic() topic.Topic { return i.topic }

// Logger returns the instance logger.
func (i *Instance) Logger() *slog.Logger { return i.logger }

// Monitor returns the instance monitor.
func (i *Instance) Monitor() *Monitor { return i.monitor }

// Connectors returns the shared connector registry. It may be nil.
func (i *Instance) Connectors() *connector.Registry { return i.env.Connectors }

// State returns the current state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// WaitState blocks until the instance reaches s or ctx is done.
func (i *Instance) WaitState(ctx context.Context, s State) error {
	for {
		i.mu.RLock()
		cur, ch := i.state, i.stateSig.C()
		i.mu.RUnlock()
		if cur == s {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Root returns the root class of the current mount, or nil outside a mount.
func (i *Instance) Root() *Class {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.root
}

// CreateClass starts building a class under the instance root.
func (i *Instance) CreateClass(name string) *ClassBuilder {
	root := i.Root()
	if root == nil {
		return &ClassBuilder{err: ErrNotMounted}
	}
	return root.CreateClass(name)
}

// CreateAttribute starts building an attribute under the instance root.
// Finishing it fails with ErrNotMounted outside a mount.
func (i *Instance) CreateAttribute(name string) *AttributeBuilder {
	root := i.Root()
	if root == nil {
		root = newClass(i, &tree{torn: true}, i.topic, "")
	}
	return root.CreateAttribute(name)
}

// Spawn runs fn as a monitored subtask of the current mount.
func (i *Instance) Spawn(name string, fn func(ctx context.Context) error) error {
	return i.monitor.Spawn(i.monitor.Context(), name, fn)
}

// Stop asks the instance to move to Stopping.
func (i *Instance) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
}

// Done is closed once Run has returned.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
	i.stateSig.Notify()

	i.logger.Debug("state changed", "state", s.String())
	i.env.Notifier.Notify(infopack.StateNotification{Topic: i.topic.String(), State: s.String()})
}

// Run drives the state machine until ctx is done or Stop is called.
func (i *Instance) Run(ctx context.Context) error {
	defer close(i.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-i.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := StateConnecting
	var cause error
	for {
		i.setState(state)
		switch state {
		case StateConnecting:
			if err := i.env.Broker.WaitFor(ctx, true); err != nil {
				state = StateStopping
				continue
			}
			state = StateInitialising

		case StateInitialising:
			err := i.mount(ctx)
			switch {
			case ctx.Err() != nil:
				state = StateStopping
			case err != nil:
				cause = fmt.Errorf("mount: %w", err)
				state = StateWarning
			default:
				state = StateRunning
			}

		case StateRunning:
			cause = i.running(ctx)
			if cause == nil {
				state = StateStopping
			} else {
				state = StateWarning
			}

		case StateWarning:
			i.alert(cause)
			err := i.ops.WaitRebootEvent(ctx, i)
			if ctx.Err() != nil {
				state = StateStopping
				continue
			}
			if err != nil {
				i.logger.Warn("reboot wait failed", "error", err)
			}
			state = StateCleaning

		case StateCleaning:
			i.clean()
			state = StateConnecting

		case StateStopping:
			i.clean()
			i.monitor.Close()
			i.setState(StateStopped)
			return nil
		}
	}
}

// mount builds a fresh tree and hands it to the operations.
func (i *Instance) mount(ctx context.Context) (err error) {
	t := &tree{}
	root := newClass(i, t, i.topic, "")
	i.mu.Lock()
	i.tree, i.root = t, root
	i.mu.Unlock()

	i.env.Notifier.Notify(infopack.StructuralNotification{
		Kind:  infopack.KindInstance,
		Topic: i.topic.String(),
	})

	mctx, stop := mergeContext(i.monitor.Context(), ctx)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mount panicked: %v", r)
		}
	}()
	return i.ops.Mount(mctx, i)
}

// running waits for the first reason to leave Running. A nil result means
// a stop was requested.
func (i *Instance) running(ctx context.Context) error {
	stopEvent := make(chan error, 1)
	if sw, ok := i.ops.(StopWaiter); ok {
		wctx, cancel := mergeContext(i.monitor.Context(), ctx)
		defer cancel()
		go func() { stopEvent <- sw.WaitStopEvent(wctx, i) }()
	}

	for {
		up, linkChanged := i.env.Broker.Get()
		if !up {
			return ErrBrokerDisconnected
		}
		select {
		case err := <-i.monitor.Errors():
			return err
		case <-linkChanged:
		case <-ctx.Done():
			return nil
		case err := <-stopEvent:
			if err == nil {
				i.Stop()
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stop wait: %w", err)
			}
			stopEvent = nil
		}
	}
}

func (i *Instance) alert(cause error) {
	if cause == nil {
		return
	}
	i.logger.Warn("instance failed", "error", cause)
	i.env.Notifier.Notify(infopack.AlertNotification{
		Topic:     i.topic.String(),
		Message:   cause.Error(),
		Timestamp: time.Now(),
	})
}

// clean cancels every subtask and releases the bus resources of the tree.
func (i *Instance) clean() {
	if n := i.monitor.Reset(i.grace); n > 0 {
		i.logger.Warn("subtasks detached during cleaning", "count", n)
	}

	i.mu.Lock()
	t := i.tree
	i.tree, i.root = nil, nil
	i.mu.Unlock()
	if t != nil {
		t.teardown()
	}
}

// Republish resends every retained value of the current tree, used after
// the broker session was lost.
func (i *Instance) Republish() error {
	i.mu.RLock()
	t := i.tree
	i.mu.RUnlock()
	if t == nil {
		return nil
	}
	var errs []error
	for _, r := range t.republishers() {
		if err := r.Republish(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
