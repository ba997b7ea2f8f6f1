package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the state of the supervised process.
type Status string

// Statuses.
const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Defaults applied by NewManager to zero fields.
const (
	DefaultRestartDelay    = time.Second
	DefaultMaxRestartDelay = time.Minute
	DefaultStableThreshold = 30 * time.Second
	DefaultGracefulTimeout = 5 * time.Second
	DefaultReadyTimeout    = 10 * time.Second

	readyPollInterval = 100 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrNotReady is returned by Start when the readiness check never passed.
	ErrNotReady = errors.New("process: not ready")
)

// Config describes the supervised process.
type Config struct {
	// Name identifies the process in logs.
	Name string

	Binary string
	Args   []string

	// RestartDelay is the first backoff delay; it doubles after each
	// failed run up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the backoff and the
	// attempt counter to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// Ready reports whether the process serves. Nil means ready once started.
	Ready        func(ctx context.Context) error
	ReadyTimeout time.Duration
}

// TCPReady returns a check that succeeds once addr accepts a connection.
func TCPReady(addr string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Logger defines the logging interface for the manager.
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

// Manager supervises one subprocess.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	config Config
	logger Logger

	mu       sync.RWMutex
	cmd      *exec.Cmd
	exited   chan struct{} // closed when cmd exits
	status   Status
	restarts int
	lastErr  error
	stopping bool
	done     chan struct{} // closed when supervision ends
}

// NewManager creates a manager for cfg.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = DefaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Manager{config: cfg, logger: noopLogger{}, status: StatusStopped}
}

// SetLogger sets the logger.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process, waits for it to be ready and supervises it
// until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.status = StatusStarting
	m.stopping = false
	m.restarts = 0
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.launch(); err != nil {
		m.fail(err)
		close(m.done)
		return err
	}
	if err := m.waitReady(ctx); err != nil {
		_ = m.Stop()
		m.fail(err)
		close(m.done)
		return err
	}
	go m.supervise(ctx)
	return nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.status = StatusFailed
	m.lastErr = err
	m.mu.Unlock()
}

// launch starts one run of the binary.
func (m *Manager) launch() error {
	cmd := exec.Command(m.config.Binary, m.config.Args...) //nolint:gosec // binary comes from the platform config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("process: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: starting %s: %w", m.config.Name, err)
	}

	exited := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go m.forward("stdout", stdout, &wg)
	go m.forward("stderr", stderr, &wg)
	go func() {
		wg.Wait()
		err := cmd.Wait()
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		close(exited)
	}()

	m.mu.Lock()
	m.cmd, m.exited = cmd, exited
	m.status = StatusRunning
	m.mu.Unlock()
	m.logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) forward(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.logger.Debug("process output", "name", m.config.Name, "stream", stream, "line", sc.Text())
	}
}

func (m *Manager) waitReady(ctx context.Context) error {
	if m.config.Ready == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.ReadyTimeout)
	defer cancel()

	m.mu.RLock()
	exited := m.exited
	m.mu.RUnlock()

	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()
	var last error
	for {
		if last = m.config.Ready(ctx); last == nil {
			m.logger.Info("process ready", "name", m.config.Name)
			return nil
		}
		select {
		case <-exited:
			return fmt.Errorf("%w: %s exited during startup", ErrNotReady, m.config.Name)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotReady, m.config.Name, last)
		case <-tick.C:
		}
	}
}

// supervise restarts the process after each unexpected exit.
func (m *Manager) supervise(ctx context.Context) {
	defer close(m.done)
	delay := m.config.RestartDelay

	for {
		m.mu.RLock()
		exited, cmd := m.exited, m.cmd
		m.mu.RUnlock()
		started := time.Now()

		select {
		case <-exited:
		case <-ctx.Done():
			m.terminate(cmd, exited)
			m.setStatus(StatusStopped)
			return
		}

		m.mu.Lock()
		stopping, err := m.stopping, m.lastErr
		m.mu.Unlock()
		if stopping {
			m.setStatus(StatusStopped)
			return
		}

		m.fail(fmt.Errorf("process: %s exited: %v", m.config.Name, err))
		m.logger.Warn("process exited unexpectedly", "name", m.config.Name, "error", err)

		if time.Since(started) >= m.config.StableThreshold {
			delay = m.config.RestartDelay
			m.mu.Lock()
			m.restarts = 0
			m.mu.Unlock()
		}

		for {
			m.mu.Lock()
			m.restarts++
			attempt := m.restarts
			m.mu.Unlock()
			if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
				m.logger.Error("process restart attempts exhausted", "name", m.config.Name, "attempts", attempt-1)
				return
			}

			m.logger.Info("restarting process", "name", m.config.Name, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				m.setStatus(StatusStopped)
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, m.config.MaxRestartDelay)

			m.mu.RLock()
			stopping = m.stopping
			m.mu.RUnlock()
			if stopping {
				m.setStatus(StatusStopped)
				return
			}
			if err := m.launch(); err != nil {
				m.logger.Error("process restart failed", "name", m.config.Name, "error", err)
				continue
			}
			break
		}
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// terminate sends SIGTERM to the process group, then SIGKILL after the
// graceful timeout.
func (m *Manager) terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("SIGTERM failed", "name", m.config.Name, "error", err)
	}

	select {
	case <-exited:
		m.logger.Info("process stopped", "name", m.config.Name)
		return
	case <-time.After(m.config.GracefulTimeout):
	}

	m.logger.Warn("process ignored SIGTERM, killing", "name", m.config.Name, "timeout", m.config.GracefulTimeout)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Error("SIGKILL failed", "name", m.config.Name, "error", err)
	}
	<-exited
}

// Stop terminates the process and ends supervision.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopping || m.done == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	cmd, exited := m.cmd, m.exited
	m.mu.Unlock()

	if exited != nil {
		m.terminate(cmd, exited)
	}
	m.setStatus(StatusStopped)
	return nil
}

// Done is closed when supervision has ended.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// RestartCount returns the consecutive restarts since the last stable run.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

// LastError returns the exit error of the last run.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// PID returns the current process id, or 0.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}
