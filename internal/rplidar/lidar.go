package rplidar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/serialport"
)

// maxResyncBytes bounds how far Next will slide over a corrupt stream looking
// for a valid node before giving up (roughly five rotations of A1 output).
const maxResyncBytes = 5 * 360 * scanLen

// Lidar is a connection to one RPLidar over a serial port. It is not safe for
// concurrent use except for Disconnect, which may be called from any
// goroutine.
type Lidar struct {
	port serialport.Porter
	path string

	// settle is how long Stop waits for the sensor to drain its output.
	settle time.Duration

	scanning bool
	node     [scanLen]byte

	mu     sync.Mutex
	closed bool
}

// Connect opens the serial device at path.
func Connect(open serialport.Opener, path string, opts serialport.PortOptions) (*Lidar, error) {
	port, err := open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return New(port, path), nil
}

// New wraps an already-open port.
func New(port serialport.Porter, path string) *Lidar {
	return &Lidar{
		port:   port,
		path:   path,
		settle: 100 * time.Millisecond,
	}
}

// Path returns the serial device path.
func (l *Lidar) Path() string { return l.path }

// Scanning reports whether a scan is in progress.
func (l *Lidar) Scanning() bool { return l.scanning }

func (l *Lidar) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// sendCommand writes a request to the sensor.
func (l *Lidar) sendCommand(cmd byte, payload []byte) error {
	if l.isClosed() {
		return ErrClosed
	}
	req := encodeCommand(cmd, payload)
	n, err := l.port.Write(req)
	if err != nil {
		return fmt.Errorf("failed to write command %#x: %w", cmd, err)
	}
	if n != len(req) {
		return fmt.Errorf("short write for command %#x: %d of %d bytes", cmd, n, len(req))
	}
	return nil
}

// readFull fills buf. A read returning no data and no error means the port's
// read timeout elapsed, reported as ErrTimeout.
func (l *Lidar) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := l.port.Read(buf[got:])
		got += n
		if err != nil {
			if l.isClosed() {
				return ErrClosed
			}
			if errors.Is(err, io.EOF) && got < len(buf) {
				return fmt.Errorf("%s: %w", l.path, io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("read from %s failed: %w", l.path, err)
		}
		if n == 0 {
			return fmt.Errorf("%w after %d of %d bytes", ErrTimeout, got, len(buf))
		}
	}
	return nil
}

// readDescriptor reads and decodes a response descriptor.
func (l *Lidar) readDescriptor() (descriptor, error) {
	var raw [descriptorLen]byte
	if err := l.readFull(raw[:]); err != nil {
		return descriptor{}, fmt.Errorf("failed to read response descriptor: %w", err)
	}
	return parseDescriptor(raw[:])
}

// request sends cmd and reads a single response body of the expected size.
func (l *Lidar) request(cmd byte, size uint32, dataType byte) ([]byte, error) {
	if l.scanning {
		return nil, fmt.Errorf("rplidar: command %#x not allowed while scanning", cmd)
	}
	if err := l.sendCommand(cmd, nil); err != nil {
		return nil, err
	}
	desc, err := l.readDescriptor()
	if err != nil {
		return nil, err
	}
	if err := desc.expect(size, true, dataType); err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if err := l.readFull(body); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// Health queries the sensor's self-test state.
func (l *Lidar) Health() (Health, error) {
	body, err := l.request(cmdGetHealth, healthLen, healthType)
	if err != nil {
		return Health{}, fmt.Errorf("get health: %w", err)
	}
	return parseHealth(body), nil
}

// Info queries model, firmware, hardware revision and serial number.
func (l *Lidar) Info() (DeviceInfo, error) {
	body, err := l.request(cmdGetInfo, infoLen, infoType)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("get info: %w", err)
	}
	return parseInfo(body), nil
}

// StartMotor spins the motor. A1 boards enable the motor with DTR low; A2/A3
// boards additionally take a PWM duty cycle.
func (l *Lidar) StartMotor() error {
	if dtr, ok := l.port.(serialport.DTRSetter); ok {
		if err := dtr.SetDTR(false); err != nil {
			return fmt.Errorf("failed to enable motor: %w", err)
		}
	}
	return l.setPWM(DefaultMotorPWM)
}

// StopMotor stops the motor.
func (l *Lidar) StopMotor() error {
	if err := l.setPWM(0); err != nil {
		return err
	}
	if dtr, ok := l.port.(serialport.DTRSetter); ok {
		if err := dtr.SetDTR(true); err != nil {
			return fmt.Errorf("failed to disable motor: %w", err)
		}
	}
	return nil
}

func (l *Lidar) setPWM(pwm uint16) error {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, pwm)
	return l.sendCommand(cmdSetPWM, payload)
}

// StartScan requests continuous standard scan output.
func (l *Lidar) StartScan() error {
	if l.scanning {
		return nil
	}
	if err := l.sendCommand(cmdScan, nil); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	desc, err := l.readDescriptor()
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if err := desc.expect(scanLen, false, scanType); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	l.scanning = true
	return nil
}

// Next blocks until the next measurement node arrives. Corrupt bytes are
// skipped one at a time until a valid node lines up again.
func (l *Lidar) Next(ctx context.Context) (Measurement, error) {
	if !l.scanning {
		return Measurement{}, ErrNotScanning
	}
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	if err := l.readFull(l.node[:]); err != nil {
		return Measurement{}, err
	}

	for skipped := 0; ; skipped++ {
		m, err := decodeMeasurement(l.node[:])
		if err == nil {
			return m, nil
		}
		if skipped >= maxResyncBytes {
			return Measurement{}, fmt.Errorf("lost sync after %d bytes: %w", skipped, err)
		}
		if err := ctx.Err(); err != nil {
			return Measurement{}, err
		}
		copy(l.node[:], l.node[1:])
		if err := l.readFull(l.node[scanLen-1:]); err != nil {
			return Measurement{}, err
		}
	}
}

// Stop ends a scan and discards whatever the sensor already queued.
func (l *Lidar) Stop() error {
	if err := l.sendCommand(cmdStop, nil); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	l.scanning = false
	if l.settle > 0 {
		time.Sleep(l.settle)
	}
	if r, ok := l.port.(serialport.InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return fmt.Errorf("stop scan: failed to flush input: %w", err)
		}
	}
	return nil
}

// Reset soft-reboots the sensor core.
func (l *Lidar) Reset() error {
	l.scanning = false
	return l.sendCommand(cmdReset, nil)
}

// Disconnect closes the serial port. It is idempotent; only the first call
// closes the port and reports its error.
func (l *Lidar) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.scanning = false
	return l.port.Close()
}
