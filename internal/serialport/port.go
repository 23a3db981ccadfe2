// Package serialport opens the serial link to a range sensor and provides the
// port abstraction the device driver reads through, so the driver can be
// exercised without hardware.
package serialport

import (
	"io"
	"time"
)

// Porter defines the minimal interface needed for a serial port.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter is implemented by ports whose reads return (0, nil) once the
// read timeout elapses without data. go.bug.st/serial ports implement it.
type TimeoutPorter interface {
	Porter
	SetReadTimeout(timeout time.Duration) error
}

// DTRSetter is implemented by ports that can drive the DTR line. RPLidar A1
// boards wire DTR to the motor enable.
type DTRSetter interface {
	SetDTR(dtr bool) error
}

// InputResetter is implemented by ports that can discard unread input.
type InputResetter interface {
	ResetInputBuffer() error
}

// Opener opens the serial device at path with the given options. Open is the
// production implementation; tests inject MockOpener.Open.
type Opener func(path string, opts PortOptions) (Porter, error)
