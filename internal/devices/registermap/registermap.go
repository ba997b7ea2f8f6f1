// Package registermap provides panduza.fake_register_map, a simulated
// device holding a bank of numeric registers.
//
// Tree:
//
//	registers/0 .. registers/N-1  RW numbers
//	command                       WO memory commands (read or write a range)
//	dump                          RO CBOR array of every register
package registermap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/instance"
	"github.com/panduza/panduza-core/internal/payload"
)

// DefaultRegisterCount is used when number_of_register is absent.
const DefaultRegisterCount = 20

// RebootDelay is how long the device waits in Warning before mounting again.
const RebootDelay = 5 * time.Second

// ErrOutOfRange is returned by the command operator for an access past the
// last register. It reboots the instance.
var ErrOutOfRange = fmt.Errorf("registermap: access out of range: %w", errkind.ErrInternalLogic)

// Settings is the device_settings object.
type Settings struct {
	NumberOfRegister *int `json:"number_of_register"`
}

// Producer builds register maps.
type Producer struct{}

// Manufacturer implements factory.Producer.
func (Producer) Manufacturer() string { return "panduza" }

// Model implements factory.Producer.
func (Producer) Model() string { return "fake_register_map" }

// Produce implements factory.Producer.
func (Producer) Produce(settings json.RawMessage) (instance.Operations, error) {
	var s Settings
	if err := json.Unmarshal(settings, &s); err != nil {
		return nil, fmt.Errorf("registermap: settings: %w: %w", errkind.ErrBadSettings, err)
	}
	n := DefaultRegisterCount
	if s.NumberOfRegister != nil {
		n = *s.NumberOfRegister
	}
	if n <= 0 {
		return nil, fmt.Errorf("registermap: number_of_register must be positive, got %d: %w", n, errkind.ErrBadSettings)
	}
	return New(n), nil
}

// Device is the register map operations. Register values survive reboots.
type Device struct {
	rebootDelay time.Duration

	mu     sync.Mutex
	values []float64

	// current mount
	regs []*instance.Attribute[float64]
	dump *instance.Attribute[[]float64]
}

// New creates a map of n registers, all zero.
func New(n int) *Device {
	return &Device{rebootDelay: RebootDelay, values: make([]float64, n)}
}

// Values returns a copy of the registers.
func (d *Device) Values() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.values...)
}

// Mount implements instance.Operations.
func (d *Device) Mount(_ context.Context, inst *instance.Instance) error {
	class, err := inst.CreateClass("registers").WithInfo("register bank").Finish()
	if err != nil {
		return err
	}

	values := d.Values()
	regs := make([]*instance.Attribute[float64], len(values))
	for i := range values {
		att, err := class.CreateAttribute(strconv.Itoa(i)).WithRW().FinishAsNumber()
		if err != nil {
			return err
		}
		if err := att.Set(values[i]); err != nil {
			return err
		}
		regs[i] = att
	}

	command, err := inst.CreateAttribute("command").
		WithWO().
		WithInfo("read or write a range of registers").
		FinishAsMemoryCommand()
	if err != nil {
		return err
	}
	dump, err := instance.Finish(inst.CreateAttribute("dump").WithRO(), payload.CBOR[[]float64]{})
	if err != nil {
		return err
	}
	if err := dump.Set(values); err != nil {
		return err
	}

	d.mu.Lock()
	d.regs, d.dump = regs, dump
	d.mu.Unlock()

	for i, att := range regs {
		if err := instance.OnCommand(inst, att, func(_ context.Context, v float64) error {
			return d.write(uint64(i), []float64{v})
		}); err != nil {
			return err
		}
	}
	return instance.OnCommand(inst, command, func(ctx context.Context, cmd payload.MemoryCommand) error {
		return d.execute(ctx, inst, cmd)
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

func (d *Device) execute(ctx context.Context, inst *instance.Instance, cmd payload.MemoryCommand) error {
	d.mu.Lock()
	n := uint64(len(d.values))
	d.mu.Unlock()
	if cmd.Address >= n || cmd.Count() > n-cmd.Address {
		return fmt.Errorf("%w: %d registers from %d, map has %d", ErrOutOfRange, cmd.Count(), cmd.Address, n)
	}

	switch cmd.Mode {
	case payload.MemoryWrite:
		values := make([]float64, len(cmd.Values))
		for i, v := range cmd.Values {
			values[i] = float64(v)
		}
		return d.write(cmd.Address, values)
	default:
		if err := d.read(cmd.Address, cmd.Size); err != nil {
			return err
		}
		if cmd.RepeatMs == 0 {
			return nil
		}
		period := time.Duration(cmd.RepeatMs) * time.Millisecond
		return inst.Spawn(fmt.Sprintf("repeat read %d+%d", cmd.Address, cmd.Size), func(ctx context.Context) error {
			tick := time.NewTicker(period)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
					if err := d.read(cmd.Address, cmd.Size); err != nil {
						return err
					}
				}
			}
		})
	}
}

// write stores values from addr and publishes the touched registers and
// the dump.
func (d *Device) write(addr uint64, values []float64) error {
	d.mu.Lock()
	copy(d.values[addr:], values)
	regs, dump := d.regs, d.dump
	snapshot := append([]float64(nil), d.values...)
	d.mu.Unlock()

	for i, v := range values {
		if err := regs[addr+uint64(i)].Set(v); err != nil {
			return err
		}
	}
	return dump.Set(snapshot)
}

// read publishes the current value of size registers from addr.
func (d *Device) read(addr, size uint64) error {
	d.mu.Lock()
	regs := d.regs
	values := append([]float64(nil), d.values[addr:addr+size]...)
	d.mu.Unlock()

	for i, v := range values {
		if err := regs[addr+uint64(i)].Set(v); err != nil {
			return err
		}
	}
	return nil
}
