// Package usbport opens USB bulk and USBTMC ports through libusb.
//
// Importing it requires cgo and the libusb headers; the connector package
// does not.
package usbport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/panduza/panduza-core/internal/codec"
	"github.com/panduza/panduza-core/internal/connector"
)

// usbPort drives one USB interface through its first bulk endpoint pair.
type usbPort struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	// tmc, when set, issues REQUEST_DEV_DEP_MSG_IN before reads.
	tmc     *codec.USBTMC
	pending bool

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

// Open opens the first USB device matching the settings and claims the
// configured interface. It has the signature of connector.SystemDialer.USB.
func Open(ctx context.Context, s connector.USBSettings, tmc bool) (connector.Port, error) {
	uctx := gousb.NewContext()

	p := &usbPort{ctx: uctx, timeout: connector.DefaultReadTimeout}
	if tmc {
		p.tmc = codec.NewUSBTMC(s.ChunkSize)
	}
	if err := p.open(ctx, s); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *usbPort) open(ctx context.Context, s connector.USBSettings) error {
	devs, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if s.Vendor != nil && uint16(desc.Vendor) != *s.Vendor {
			return false
		}
		return s.Model == nil || uint16(desc.Product) == *s.Model
	})
	// OpenDevices may return devices together with an error for the ones it
	// could not open.
	for _, d := range devs {
		if p.dev != nil {
			_ = d.Close()
			continue
		}
		serial, serr := d.SerialNumber()
		if serr == nil && s.Matches(uint16(d.Desc.Vendor), uint16(d.Desc.Product), serial) {
			p.dev = d
			continue
		}
		_ = d.Close()
	}
	if p.dev == nil {
		if err != nil {
			return fmt.Errorf("%w: usb %s: %w", connector.ErrPortNotFound, s.USBSelector, err)
		}
		return fmt.Errorf("%w: usb %s", connector.ErrPortNotFound, s.USBSelector)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("usb auto detach: %w", err)
	}
	num, err := p.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("usb active config: %w", err)
	}
	if p.cfg, err = p.dev.Config(num); err != nil {
		return fmt.Errorf("usb config %d: %w", num, err)
	}
	if p.intf, err = p.cfg.Interface(s.Interface, 0); err != nil {
		return fmt.Errorf("usb claim interface %d: %w", s.Interface, err)
	}

	for _, ep := range p.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && p.in == nil:
			p.in, err = p.intf.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && p.out == nil:
			p.out, err = p.intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			return fmt.Errorf("usb endpoint %d: %w", ep.Number, err)
		}
	}
	if p.in == nil || p.out == nil {
		return errors.New("usb interface has no bulk in/out endpoint pair")
	}
	return nil
}

func (p *usbPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *usbPort) Write(b []byte) (int, error) {
	return p.out.Write(b)
}

// Read performs one bulk-in transfer. A transfer cut by the read timeout
// returns (0, nil).
func (p *usbPort) Read(b []byte) (int, error) {
	if p.tmc != nil && !p.pending {
		if _, err := p.out.Write(p.tmc.RequestIn(uint32(len(b)))); err != nil {
			return 0, err
		}
		p.pending = true
	}

	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := p.in.ReadContext(ctx, b)
	if err != nil && ctx.Err() != nil {
		return 0, nil
	}
	if n > 0 {
		p.pending = false
	}
	return n, err
}

func (p *usbPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.intf != nil {
		p.intf.Close()
	}
	var errs []error
	if p.cfg != nil {
		errs = append(errs, p.cfg.Close())
	}
	if p.dev != nil {
		errs = append(errs, p.dev.Close())
	}
	errs = append(errs, p.ctx.Close())
	return errors.Join(errs...)
}
