// Package rplidar drives Slamtec RPLidar A-series range scanners over a serial
// link using the standard scan mode.
// Framing follows the Slamtec RPLidar interface protocol v2.
package rplidar

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// syncByte starts every request and response descriptor.
	syncByte = 0xA5
	// syncByte2 is the second byte of a response descriptor.
	syncByte2 = 0x5A

	cmdStop      = 0x25
	cmdReset     = 0x40
	cmdScan      = 0x20
	cmdGetInfo   = 0x50
	cmdGetHealth = 0x52
	// cmdSetPWM sets the motor speed on A2/A3 boards (payload: uint16 LE).
	cmdSetPWM = 0xF0

	descriptorLen = 7

	infoLen  = 20
	infoType = 0x04

	healthLen  = 3
	healthType = 0x06

	scanLen  = 5
	scanType = 0x81

	// DefaultMotorPWM is the duty cycle used by StartMotor on A2/A3.
	DefaultMotorPWM = 660
)

var (
	// ErrTimeout is returned when the sensor sends nothing within the port's
	// read timeout.
	ErrTimeout = errors.New("rplidar: read timed out")
	// ErrProtocol wraps malformed descriptors and measurement nodes.
	ErrProtocol = errors.New("rplidar: protocol error")
	// ErrNotScanning is returned by Next before StartScan.
	ErrNotScanning = errors.New("rplidar: scan not started")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("rplidar: connection closed")
)

// descriptor is the 7-byte header preceding every response.
type descriptor struct {
	size     uint32
	single   bool
	dataType byte
}

// parseDescriptor decodes A5 5A | len(30 bits) mode(2 bits) | type.
func parseDescriptor(b []byte) (descriptor, error) {
	if len(b) != descriptorLen {
		return descriptor{}, fmt.Errorf("%w: descriptor length %d, want %d", ErrProtocol, len(b), descriptorLen)
	}
	if b[0] != syncByte || b[1] != syncByte2 {
		return descriptor{}, fmt.Errorf("%w: invalid descriptor preamble %02x %02x", ErrProtocol, b[0], b[1])
	}
	raw := binary.LittleEndian.Uint32(b[2:6])
	return descriptor{
		size:     raw & 0x3FFFFFFF,
		single:   raw>>30 == 0,
		dataType: b[6],
	}, nil
}

// expect checks a descriptor against the response a command should produce.
func (d descriptor) expect(size uint32, single bool, dataType byte) error {
	if d.dataType != dataType {
		return fmt.Errorf("%w: response type %#x, want %#x", ErrProtocol, d.dataType, dataType)
	}
	if d.size != size {
		return fmt.Errorf("%w: response size %d, want %d", ErrProtocol, d.size, size)
	}
	if d.single != single {
		return fmt.Errorf("%w: unexpected response mode (single=%v)", ErrProtocol, d.single)
	}
	return nil
}

// Measurement is one decoded scan node.
type Measurement struct {
	// NewScan is set on the first node of each rotation.
	NewScan bool
	// Quality is the reflected signal strength, 0-63.
	Quality int
	// Angle is in degrees, [0, 360).
	Angle float64
	// Distance is in millimetres, 0 when the sensor got no return.
	Distance float64
}

// decodeMeasurement decodes a 5-byte standard scan node:
//
//	byte 0: quality(6) | !S | S
//	byte 1: angle_q6[6:0] | C (always 1)
//	byte 2: angle_q6[14:7]
//	byte 3-4: distance_q2 (LE)
func decodeMeasurement(raw []byte) (Measurement, error) {
	if len(raw) != scanLen {
		return Measurement{}, fmt.Errorf("%w: node length %d", ErrProtocol, len(raw))
	}
	newScan := raw[0]&0x1 == 1
	inverted := (raw[0]>>1)&0x1 == 1
	if newScan == inverted {
		return Measurement{}, fmt.Errorf("%w: start flag mismatch", ErrProtocol)
	}
	if raw[1]&0x1 != 1 {
		return Measurement{}, fmt.Errorf("%w: check bit not set", ErrProtocol)
	}
	angleQ6 := uint16(raw[1]>>1) | uint16(raw[2])<<7
	distQ2 := binary.LittleEndian.Uint16(raw[3:5])
	return Measurement{
		NewScan:  newScan,
		Quality:  int(raw[0] >> 2),
		Angle:    float64(angleQ6) / 64,
		Distance: float64(distQ2) / 4,
	}, nil
}

// encodeMeasurement is the inverse of decodeMeasurement. The simulator and
// tests use it to produce wire-exact nodes.
func encodeMeasurement(m Measurement) []byte {
	raw := make([]byte, scanLen)
	flags := byte(0b10)
	if m.NewScan {
		flags = 0b01
	}
	raw[0] = byte(m.Quality&0x3F)<<2 | flags
	angleQ6 := uint16(m.Angle * 64)
	raw[1] = byte(angleQ6&0x7F)<<1 | 1
	raw[2] = byte(angleQ6 >> 7)
	binary.LittleEndian.PutUint16(raw[3:5], uint16(m.Distance*4))
	return raw
}

// HealthStatus is the sensor's self-reported state.
type HealthStatus int

const (
	HealthGood HealthStatus = iota
	HealthWarning
	HealthError
)

func (s HealthStatus) String() string {
	switch s {
	case HealthGood:
		return "Good"
	case HealthWarning:
		return "Warning"
	case HealthError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Health is the GET_HEALTH response.
type Health struct {
	Status    HealthStatus
	ErrorCode uint16
}

func parseHealth(b []byte) Health {
	return Health{
		Status:    HealthStatus(b[0]),
		ErrorCode: binary.LittleEndian.Uint16(b[1:3]),
	}
}

// DeviceInfo is the GET_INFO response.
type DeviceInfo struct {
	Model    byte
	Firmware string // major.minor
	Hardware byte
	Serial   string // 32 hex digits
}

func parseInfo(b []byte) DeviceInfo {
	return DeviceInfo{
		Model:    b[0],
		Firmware: fmt.Sprintf("%d.%02d", b[2], b[1]),
		Hardware: b[3],
		Serial:   fmt.Sprintf("%X", b[4:20]),
	}
}

// encodeCommand builds a request. Commands with a payload carry a size byte
// and an XOR checksum over every preceding byte.
func encodeCommand(cmd byte, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{syncByte, cmd}
	}
	req := make([]byte, 0, 4+len(payload))
	req = append(req, syncByte, cmd, byte(len(payload)))
	req = append(req, payload...)
	var checksum byte
	for _, b := range req {
		checksum ^= b
	}
	return append(req, checksum)
}
