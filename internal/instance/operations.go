package instance

import (
	"context"
	"fmt"
)

// Operations is the driver-specific part of an instance.
//
// Mount builds the attribute tree and spawns the subtasks that serve it. It
// runs on every Initialising entry, after the previous tree was torn down.
// WaitRebootEvent blocks in Warning until the instance may try again.
type Operations interface {
	Mount(ctx context.Context, inst *Instance) error
	WaitRebootEvent(ctx context.Context, inst *Instance) error
}

// StopWaiter is implemented by operations that can ask for a graceful stop.
// WaitStopEvent runs while the instance is Running; when it returns nil the
// instance moves to Stopping.
type StopWaiter interface {
	WaitStopEvent(ctx context.Context, inst *Instance) error
}

// OnCommand spawns a subtask that calls fn for every command received by
// att. An error returned by fn ends the subtask and reboots the instance.
func OnCommand[T any](inst *Instance, att *Attribute[T], fn func(ctx context.Context, cmd T) error) error {
	name := "cmd " + att.Topic().String()
	return inst.Spawn(name, func(ctx context.Context) error {
		for {
			cmd, err := att.WaitCmd(ctx)
			if err != nil {
				return err
			}
			if err := fn(ctx, cmd); err != nil {
				return fmt.Errorf("%s: %w", att.Topic(), err)
			}
		}
	})
}
