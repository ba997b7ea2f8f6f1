// Package reflective implements the "_" device that republishes the fleet
// aggregate on the bus.
//
// It exposes two read-only JSON attributes:
//
//	<ns>/_/devices/att    status and alerts of every other instance
//	<ns>/_/structure/att  attribute tree of every instance
//
// Both are refreshed whenever the info pack reports a change.
package reflective

import (
	"context"
	"encoding/json"
	"time"

	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/instance"
)

// Name is the reserved instance name of the reflective device.
const Name = "_"

// RebootDelay is how long the device waits in Warning before mounting again.
const RebootDelay = time.Second

// Device is the operations of the reflective instance.
type Device struct {
	info *infopack.InfoPack
}

// New creates the reflective operations over info. The device is hidden
// from its own devices listing.
func New(info *infopack.InfoPack) *Device {
	info.Hide(Name)
	return &Device{info: info}
}

// Build creates the reflective instance attached to env.
func Build(info *infopack.InfoPack, env *instance.Env) (*instance.Instance, *instance.Monitor, error) {
	mon := instance.NewMonitor(Name)
	inst, err := instance.New(Name, New(info), mon, env)
	if err != nil {
		return nil, nil, err
	}
	return inst, mon, nil
}

// Mount implements instance.Operations.
func (d *Device) Mount(_ context.Context, inst *instance.Instance) error {
	devices, err := inst.CreateAttribute("devices").
		WithRO().
		WithInfo("status and alerts of every device").
		FinishAsJSON()
	if err != nil {
		return err
	}
	structure, err := inst.CreateAttribute("structure").
		WithRO().
		WithInfo("attribute tree of every device").
		FinishAsJSON()
	if err != nil {
		return err
	}

	if err := inst.Spawn("publish devices", func(ctx context.Context) error {
		return follow(ctx, d.info.StatusChanged, d.info.DevicesJSON, devices)
	}); err != nil {
		return err
	}
	return inst.Spawn("publish structure", func(ctx context.Context) error {
		return follow(ctx, d.info.StructureChanged, d.info.StructureJSON, structure)
	})
}

// WaitRebootEvent implements instance.Operations.
func (d *Device) WaitRebootEvent(ctx context.Context, _ *instance.Instance) error {
	t := time.NewTimer(RebootDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// follow publishes snapshot now and after every change. Changes arriving
// while a publish is in flight collapse into one.
func follow(ctx context.Context, changed func() <-chan struct{}, snapshot func() ([]byte, error), att *instance.Attribute[json.RawMessage]) error {
	for {
		ch := changed()
		data, err := snapshot()
		if err != nil {
			return err
		}
		if err := att.Set(data); err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}
}
