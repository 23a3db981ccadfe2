package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// Open opens a real serial device with go.bug.st/serial and applies the read
// timeout, so a silent sensor can never block a read forever.
func Open(path string, opts PortOptions) (Porter, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}

	return port, nil
}

// ListPorts returns the serial device names visible to the OS, e.g.
// /dev/ttyUSB0, /dev/tty.usbserial-0001 or COM3.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}
