package process

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"testing"
	"time"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return path
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for m.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Status() = %v, want %v", m.Status(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{Name: "broker", Binary: "/usr/sbin/mosquitto"})

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"RestartDelay", m.config.RestartDelay, DefaultRestartDelay},
		{"MaxRestartDelay", m.config.MaxRestartDelay, DefaultMaxRestartDelay},
		{"StableThreshold", m.config.StableThreshold, DefaultStableThreshold},
		{"GracefulTimeout", m.config.GracefulTimeout, DefaultGracefulTimeout},
		{"ReadyTimeout", m.config.ReadyTimeout, DefaultReadyTimeout},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusStopped)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
}

func TestManager_StartStop(t *testing.T) {
	sleep := requireBinary(t, "sleep")
	m := NewManager(Config{Name: "sleeper", Binary: sleep, Args: []string{"60"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.PID() == 0 {
		t.Error("PID() = 0 while running")
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("supervision did not end after Stop")
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusStopped)
	}
}

func TestManager_RestartsWithLimit(t *testing.T) {
	falseBin := requireBinary(t, "false")
	m := NewManager(Config{
		Name:               "crasher",
		Binary:             falseBin,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartDelay:    20 * time.Millisecond,
		MaxRestartAttempts: 2,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("supervision did not give up")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusFailed)
	}
	if got := m.RestartCount(); got != 3 {
		t.Errorf("RestartCount() = %d, want 3 (two restarts plus the refused one)", got)
	}
}

func TestManager_StartMissingBinary(t *testing.T) {
	m := NewManager(Config{Name: "ghost", Binary: "/nonexistent/broker"})
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want error")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusFailed)
	}
}

func TestManager_NotReady(t *testing.T) {
	sleep := requireBinary(t, "sleep")
	m := NewManager(Config{
		Name:         "deaf",
		Binary:       sleep,
		Args:         []string{"60"},
		Ready:        func(context.Context) error { return errors.New("refused") },
		ReadyTimeout: 100 * time.Millisecond,
	})

	if err := m.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start() error = %v, want ErrNotReady", err)
	}
	waitStatus(t, m, StatusFailed)
}

func TestTCPReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := TCPReady(addr)(ctx); err != nil {
		t.Errorf("TCPReady(listening) error = %v", err)
	}

	ln.Close()
	if err := TCPReady(addr)(ctx); err == nil {
		t.Error("TCPReady(closed) error = nil, want error")
	}
}
