package connector

import (
	"context"
	"fmt"
	"strconv"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SystemDialer opens real serial and USB ports.
type SystemDialer struct {
	// USB opens usb and usbtmc transports, usually usbport.Open. When nil
	// those transports fail with ErrPortNotFound.
	USB func(ctx context.Context, s USBSettings, tmc bool) (Port, error)
}

// Dial implements Dialer.
func (sd SystemDialer) Dial(ctx context.Context, d Description) (Port, error) {
	switch d.Transport {
	case TransportSerial:
		return OpenSerial(d.Serial)
	case TransportUSB, TransportUSBTMC:
		if sd.USB == nil {
			return nil, fmt.Errorf("%w: %s support not built in", ErrPortNotFound, d.Transport)
		}
		return sd.USB(ctx, d.USB, d.Transport == TransportUSBTMC)
	default:
		return nil, fmt.Errorf("unknown transport %q", d.Transport)
	}
}

// OpenSerial opens a serial port with the given settings.
//
// When no port name is configured, the first USB serial adapter matching
// the selector is used. Descriptions acquired through a Registry already
// carry the resolved name.
func OpenSerial(s SerialSettings) (Port, error) {
	name := s.PortName
	if name == "" {
		var err error
		if name, err = FindSerialPort(*s.USB); err != nil {
			return nil, err
		}
	}

	port, err := serial.Open(name, serialMode(s))
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return port, nil
}

func serialMode(s SerialSettings) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch s.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	}
	if s.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	if s.FlowControl == FlowHardware {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}
	return mode
}

// FindSerialPort returns the name of the first USB serial adapter matching sel.
func FindSerialPort(sel USBSelector) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("%w: enumerate: %w", ErrPortNotFound, err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err := strconv.ParseUint(p.VID, 16, 16)
		if err != nil {
			continue
		}
		pid, err := strconv.ParseUint(p.PID, 16, 16)
		if err != nil {
			continue
		}
		if sel.Matches(uint16(vid), uint16(pid), p.SerialNumber) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: usb serial %s", ErrPortNotFound, sel)
}
