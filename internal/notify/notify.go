// Package notify provides broadcast change notifiers.
//
// A Signal hands out a channel that is closed on the next Notify, then
// replaced. Any number of goroutines can wait on the same change, and a
// waiter that grabs the channel before checking state never misses an update:
//
//	ch := sig.C()
//	if v, ok := read(); ok {
//	    return v
//	}
//	<-ch
package notify

import (
	"context"
	"sync"
)

// Signal is a broadcast notifier. The zero value is ready to use.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// C returns a channel closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Notify wakes every goroutine waiting on a channel obtained from C.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// Wait blocks until the next Notify or until ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flag is a boolean whose changes are broadcast. The zero value is false.
type Flag struct {
	mu  sync.Mutex
	v   bool
	sig Signal
}

// Set updates the value and notifies waiters if it changed.
func (f *Flag) Set(v bool) {
	f.mu.Lock()
	changed := f.v != v
	f.v = v
	f.mu.Unlock()
	if changed {
		f.sig.Notify()
	}
}

// Get returns the value together with a channel closed on the next change.
func (f *Flag) Get() (bool, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v, f.sig.C()
}

// WaitFor blocks until the value equals want or ctx is done.
func (f *Flag) WaitFor(ctx context.Context, want bool) error {
	for {
		v, ch := f.Get()
		if v == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
