package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskCapacity is the number of spawn requests that can wait for the monitor.
const TaskCapacity = 50

// DefaultGrace is how long Reset waits for cancelled tasks before detaching them.
const DefaultGrace = time.Second

// Task is a unit of work run under the monitor.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	gen uint64
}

type completion struct {
	gen  uint64
	name string
	err  error
}

// generation is one task pool. Every reboot of the instance starts a new one.
type generation struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	active atomic.Int32
	failed bool
}

// Monitor supervises the subtasks of one instance.
//
// Spawn requests go through a bounded channel. The monitor loop starts each
// task in the current generation and collects completions. The first task
// error of a generation cancels its siblings and is reported once on
// Errors(). Reset cancels the current generation, joins it within a grace
// period, and starts the next one; tasks still running after the grace are
// detached and their results ignored.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Monitor struct {
	name  string
	tasks chan Task
	done  chan completion
	errs  chan error
	quit  chan struct{}

	mu     sync.Mutex
	gen    *generation
	nextID uint64
	closed bool

	logger Logger
}

// NewMonitor creates a monitor for the named instance.
func NewMonitor(name string) *Monitor {
	m := &Monitor{
		name:   name,
		tasks:  make(chan Task, TaskCapacity),
		done:   make(chan completion, TaskCapacity),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
		logger: noopLogger{},
	}
	m.gen = m.newGeneration()
	return m
}

// SetLogger sets the logger used for task lifecycle events.
func (m *Monitor) SetLogger(logger Logger) {
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

func (m *Monitor) log() Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logger
}

// newGeneration must be called with mu held or before the monitor is shared.
func (m *Monitor) newGeneration() *generation {
	m.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &generation{id: m.nextID, ctx: gctx, cancel: cancel, group: group}
}

// Context returns the context of the current generation. It is cancelled on
// Reset and on the first task error.
func (m *Monitor) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen.ctx
}

// Spawn queues a task in the current generation.
//
// It suspends while the spawn channel is full.
//
// Returns:
//   - error: ErrMonitorClosed, or ctx.Err() if ctx ends while waiting
func (m *Monitor) Spawn(ctx context.Context, name string, run func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	t := Task{Name: name, Run: run, gen: m.gen.id}
	m.mu.Unlock()

	select {
	case m.tasks <- t:
		return nil
	case <-m.quit:
		return ErrMonitorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors delivers the first task error of each generation.
func (m *Monitor) Errors() <-chan error {
	return m.errs
}

// Run is the monitor loop. It returns when ctx is done or Close is called.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-m.quit:
			return nil
		case t := <-m.tasks:
			m.start(t)
		case c := <-m.done:
			m.finish(c)
		}
	}
}

func (m *Monitor) start(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.gen
	if t.gen != g.id {
		m.logger.Debug("dropping task spawned by a previous generation", "task", t.Name)
		return
	}
	g.active.Add(1)
	ctx := g.ctx
	g.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			}
			g.active.Add(-1)
			select {
			case m.done <- completion{gen: t.gen, name: t.Name, err: err}:
			case <-m.quit:
			}
		}()
		return t.Run(ctx)
	})
}

func (m *Monitor) finish(c completion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.gen
	if c.gen != g.id {
		return
	}
	if c.err == nil {
		m.logger.Debug("task finished", "task", c.name)
		return
	}
	if g.ctx.Err() != nil && errors.Is(c.err, context.Canceled) {
		m.logger.Debug("task cancelled", "task", c.name)
		return
	}
	m.logger.Warn("task failed", "task", c.name, "error", c.err)
	if g.failed {
		return
	}
	g.failed = true
	g.cancel()
	select {
	case m.errs <- fmt.Errorf("task %s: %w", c.name, c.err):
	default:
	}
}

// Active returns the number of running tasks in the current generation.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.gen.active.Load())
}

// Reset cancels every task of the current generation and waits up to grace
// for them to return. It then starts a fresh, empty generation.
//
// Returns:
//   - int: Number of tasks detached because they outlived the grace period
func (m *Monitor) Reset(grace time.Duration) int {
	m.mu.Lock()
	old := m.gen
	m.gen = m.newGeneration()
	select {
	case <-m.errs:
	default:
	}
	m.mu.Unlock()

	old.cancel()

	joined := make(chan struct{})
	go func() {
		_ = old.group.Wait()
		close(joined)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-joined:
		return 0
	case <-timer.C:
		n := int(old.active.Load())
		if n > 0 {
			m.log().Warn("detaching tasks that ignored cancellation", "instance", m.name, "tasks", n)
		}
		return n
	}
}

// Close cancels the current generation and stops the monitor loop.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.gen.cancel()
	close(m.quit)
}
