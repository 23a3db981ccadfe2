package acquisition

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Controller.Start while a worker is
	// active.
	ErrAlreadyRunning = errors.New("acquisition already running")
	// ErrNotRunning is returned when an operation needs a Running worker.
	ErrNotRunning = errors.New("acquisition not running")
	// ErrSourceExhausted is recorded as the exit reason when the sample
	// source ends its sequence.
	ErrSourceExhausted = errors.New("sample source exhausted")
)

// ConfigError reports an invalid setting. It is returned before any serial
// device or socket is opened.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports that the serial device could not be opened or did
// not answer its initial handshake.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IoError reports a transport failure after the run started.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// TransmitError reports a failed send. Single failures are logged and
// dropped; a TransmitError only ends a run when the consecutive failure limit
// is configured and reached.
// Offset is -1 when the transmitter could not be created at all.
type TransmitError struct {
	Address string
	Target  string
	Offset  int
	Err     error
}

func (e *TransmitError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("open OSC transmitter to %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("send %s (segment %d) to %s: %v", e.Address, e.Offset, e.Target, e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }
