package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/panduza/panduza-core/internal/dispatcher"
	"github.com/panduza/panduza-core/internal/notify"
	"github.com/panduza/panduza-core/internal/payload"
	"github.com/panduza/panduza-core/internal/topic"
)

// CommandQueueSize bounds the commands an attribute keeps before the
// operator pops them. Older commands are dropped first.
const CommandQueueSize = 64

// Attribute is a typed leaf of the attribute tree.
//
// Set publishes a value on the .../att topic. Commands received on
// .../cmd are decoded, queued and announced on CmdNotifier.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Concurrent Set calls are
//     serialised so the stored value always matches the last publish.
type Attribute[T any] struct {
	env      *Env
	logger   Logger
	topic    topic.Topic
	codec    payload.Codec[T]
	access   Access
	retained bool
	info     string
	ep       *dispatcher.Endpoint

	setMu sync.Mutex

	mu      sync.Mutex
	value   T
	hasVal  bool
	raw     []byte
	cmds    []T
	lastCmd T
	hasCmd  bool

	changed notify.Signal
	cmdSig  notify.Signal
}

// Topic returns the attribute base topic, without the att or cmd suffix.
func (a *Attribute[T]) Topic() topic.Topic {
	return a.topic
}

// Access returns the access mode.
func (a *Attribute[T]) Access() Access {
	return a.access
}

// Retained reports whether values are published with the retain flag.
func (a *Attribute[T]) Retained() bool {
	return a.retained
}

// Set encodes v and publishes it on the att topic with QoS 1.
//
// The stored value is updated only once the publish succeeds.
//
// Returns:
//   - error: ErrWriteOnly, a codec error, or ErrPublish
func (a *Attribute[T]) Set(v T) error {
	if !a.access.publishes() {
		return ErrWriteOnly
	}
	data, err := a.codec.Encode(v)
	if err != nil {
		return err
	}

	a.setMu.Lock()
	defer a.setMu.Unlock()

	if err := a.env.Bus.Publish(a.topic.Att(), data, QoSAtLeastOnce, a.retained); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, a.topic.Att(), err)
	}

	a.mu.Lock()
	a.value = v
	a.hasVal = true
	a.raw = data
	a.mu.Unlock()

	a.changed.Notify()
	return nil
}

// Get returns the last value published by Set.
//
// Returns:
//   - error: ErrWriteOnly, or ErrNoValueYet before the first Set
func (a *Attribute[T]) Get() (T, error) {
	var zero T
	if !a.access.publishes() {
		return zero, ErrWriteOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasVal {
		return zero, ErrNoValueYet
	}
	return a.value, nil
}

// Changed returns a channel closed on the next successful Set.
func (a *Attribute[T]) Changed() <-chan struct{} {
	return a.changed.C()
}

// Republish sends the stored value again. It is a no-op before the first Set.
func (a *Attribute[T]) Republish() error {
	a.setMu.Lock()
	defer a.setMu.Unlock()

	a.mu.Lock()
	raw, ok := a.raw, a.hasVal
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.env.Bus.Publish(a.topic.Att(), raw, QoSAtLeastOnce, a.retained); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, a.topic.Att(), err)
	}
	return nil
}

// PopCmd removes and returns the oldest queued command.
func (a *Attribute[T]) PopCmd() (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cmds) == 0 {
		var zero T
		return zero, false
	}
	v := a.cmds[0]
	a.cmds = a.cmds[1:]
	return v, true
}

// LastCmd returns the most recent command, queued or not.
func (a *Attribute[T]) LastCmd() (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCmd, a.hasCmd
}

// Pending returns the number of queued commands.
func (a *Attribute[T]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cmds)
}

// CmdNotifier returns a channel closed when the next command arrives.
func (a *Attribute[T]) CmdNotifier() <-chan struct{} {
	return a.cmdSig.C()
}

// WaitCmd blocks until a command is queued and pops it.
func (a *Attribute[T]) WaitCmd(ctx context.Context) (T, error) {
	for {
		ch := a.cmdSig.C()
		if v, ok := a.PopCmd(); ok {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// onCommand is the dispatcher endpoint callback.
func (a *Attribute[T]) onCommand(data []byte) {
	v, err := a.codec.Decode(data)
	if err != nil {
		a.logger.Warn("dropping undecodable command", "topic", a.topic.Cmd(), "error", err)
		return
	}

	a.mu.Lock()
	if len(a.cmds) >= CommandQueueSize {
		a.cmds = a.cmds[1:]
		a.logger.Warn("command queue full, dropping oldest", "topic", a.topic.Cmd())
	}
	a.cmds = append(a.cmds, v)
	a.lastCmd = v
	a.hasCmd = true
	a.mu.Unlock()

	a.cmdSig.Notify()
}

func (a *Attribute[T]) teardown() {
	if a.ep == nil {
		return
	}
	a.env.Dispatcher.Deregister(a.topic.Cmd(), a.ep)
	if err := a.env.Bus.Unsubscribe(a.topic.Cmd()); err != nil {
		a.logger.Debug("unsubscribe failed", "topic", a.topic.Cmd(), "error", err)
	}
}
