// Package rawport provides panduza.raw_port, a pass-through to one serial,
// USB bulk or USBTMC port.
//
// Tree:
//
//	data  RW bytes: each command is sent as one frame, the reply is published
//	port  RO string naming the port
//
// The port is leased from the shared connector registry, so a raw_port and
// a driver pointed at the same port take turns on it.
package rawport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/panduza/panduza-core/internal/connector"
	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/instance"
)

// RebootDelay is how long the device waits in Warning before mounting again.
const RebootDelay = 3 * time.Second

// ErrNoRegistry is returned by Mount when the runtime carries no connector
// registry.
var ErrNoRegistry = fmt.Errorf("rawport: no connector registry: %w", errkind.ErrInternalLogic)

// Producer builds raw ports.
type Producer struct{}

// Manufacturer implements factory.Producer.
func (Producer) Manufacturer() string { return "panduza" }

// Model implements factory.Producer.
func (Producer) Model() string { return "raw_port" }

// Produce implements factory.Producer.
//
// The settings object carries a "transport" member ("serial" when absent)
// next to the serial or USB settings of that transport.
func (Producer) Produce(settings json.RawMessage) (instance.Operations, error) {
	d, err := ParseDescription(settings)
	if err != nil {
		return nil, err
	}
	return New(d), nil
}

// ParseDescription decodes the port description of a device_settings blob.
func ParseDescription(raw json.RawMessage) (connector.Description, error) {
	var head struct {
		Transport connector.Transport `json:"transport"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &head); err != nil {
			return connector.Description{}, fmt.Errorf("rawport: settings: %w: %w", errkind.ErrBadSettings, err)
		}
	}

	switch head.Transport {
	case "", connector.TransportSerial:
		s, err := connector.ParseSerialSettings(raw)
		if err != nil {
			return connector.Description{}, fmt.Errorf("rawport: %w", err)
		}
		return connector.SerialDescription(s), nil
	case connector.TransportUSB, connector.TransportUSBTMC:
		s, err := connector.ParseUSBSettings(raw)
		if err != nil {
			return connector.Description{}, fmt.Errorf("rawport: %w", err)
		}
		return connector.USBDescription(s, head.Transport == connector.TransportUSBTMC), nil
	default:
		return connector.Description{}, fmt.Errorf("rawport: unknown transport %q: %w", head.Transport, errkind.ErrBadSettings)
	}
}

// Device is the raw port operations.
type Device struct {
	desc        connector.Description
	rebootDelay time.Duration
}

// New creates a raw port driving the port described by d.
func New(d connector.Description) *Device {
	return &Device{desc: d, rebootDelay: RebootDelay}
}

// Mount implements instance.Operations. The lease is held until the mount
// is torn down.
func (d *Device) Mount(_ context.Context, inst *instance.Instance) error {
	registry := inst.Connectors()
	if registry == nil {
		return ErrNoRegistry
	}
	lease, err := registry.Acquire(d.desc)
	if err != nil {
		return err
	}
	if err := d.build(inst, lease); err != nil {
		lease.Release()
		return err
	}
	return nil
}

func (d *Device) build(inst *instance.Instance, lease *connector.Lease) error {
	port, err := inst.CreateAttribute("port").
		WithRO().
		WithInfo("port identity").
		FinishAsString()
	if err != nil {
		return err
	}
	if err := port.Set(d.desc.String()); err != nil {
		return err
	}

	data, err := inst.CreateAttribute("data").
		WithRW().
		WithInfo("frame sent to the port; the reply is published back").
		FinishAsBytes()
	if err != nil {
		return err
	}

	if err := inst.Spawn("lease "+lease.Key(), func(ctx context.Context) error {
		<-ctx.Done()
		lease.Release()
		return nil
	}); err != nil {
		return err
	}
	return instance.OnCommand(inst, data, func(ctx context.Context, frame []byte) error {
		reply, err := lease.Exchange(ctx, frame)
		switch {
		case errors.Is(err, connector.ErrTimeout):
			inst.Logger().Warn("no reply from port", "port", d.desc.String())
			return nil
		case err != nil:
			return err
		}
		return data.Set(reply)
	})
}

// WaitRebootEvent implements instance.Operations.
func (d *Device) WaitRebootEvent(ctx context.Context, _ *instance.Instance) error {
	t := time.NewTimer(d.rebootDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
