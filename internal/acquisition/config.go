package acquisition

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/scan"
	"github.com/banshee-data/rplidar-osc/internal/serialport"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultOSCPort  = 8000
	DefaultFPS      = 10.0
	DefaultAddress  = "/rplidar/scan"
	DefaultBaudRate = serialport.DefaultBaudRate
	DefaultTimeout  = 3 * time.Second

	// MaxFPS caps the flush rate. Above this the gate is shorter than a
	// single RPLidar node interval and every sample would flush.
	MaxFPS = 1000.0
)

// Config describes one acquisition run.
type Config struct {
	// PortPath is the serial device, e.g. /dev/ttyUSB0 or COM3.
	PortPath string
	BaudRate int
	// Timeout bounds each blocking read and therefore the worst-case latency
	// of Stop.
	Timeout time.Duration

	Host    string
	OSCPort int
	Address string

	FPS         float64
	AnglePolicy scan.AnglePolicy

	// MaxConsecutiveSendFailures ends the run with a TransmitError after this
	// many failed sends in a row. Zero never escalates.
	MaxConsecutiveSendFailures int
}

// DefaultConfig returns a Config with every default applied and no port.
func DefaultConfig() Config {
	return Config{
		BaudRate:    DefaultBaudRate,
		Timeout:     DefaultTimeout,
		Host:        DefaultHost,
		OSCPort:     DefaultOSCPort,
		Address:     DefaultAddress,
		FPS:         DefaultFPS,
		AnglePolicy: scan.Truncate,
	}
}

// Normalize applies defaults to zero fields and validates the result. All
// failures are *ConfigError.
func (c Config) Normalize() (Config, error) {
	cfg := c

	cfg.PortPath = strings.TrimSpace(cfg.PortPath)
	if cfg.PortPath == "" {
		return cfg, &ConfigError{Field: "port", Value: c.PortPath, Err: errors.New("no serial port selected")}
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if _, err := (serialport.PortOptions{BaudRate: cfg.BaudRate}).Normalize(); err != nil {
		return cfg, &ConfigError{Field: "baud", Value: strconv.Itoa(cfg.BaudRate), Err: err}
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout < 0 {
		return cfg, &ConfigError{Field: "timeout", Value: cfg.Timeout.String(), Err: errors.New("must be positive")}
	}

	host, err := normalizeHost(cfg.Host)
	if err != nil {
		return cfg, &ConfigError{Field: "host", Value: cfg.Host, Err: err}
	}
	cfg.Host = host

	if cfg.OSCPort == 0 {
		cfg.OSCPort = DefaultOSCPort
	}
	if err := checkPortRange(cfg.OSCPort); err != nil {
		return cfg, &ConfigError{Field: "osc-port", Value: strconv.Itoa(cfg.OSCPort), Err: err}
	}

	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if !strings.HasPrefix(cfg.Address, "/") || strings.ContainsAny(cfg.Address, " #*,?[]{}") {
		return cfg, &ConfigError{Field: "address", Value: cfg.Address, Err: errors.New("not a valid OSC address pattern")}
	}

	if cfg.FPS == 0 {
		cfg.FPS = DefaultFPS
	}
	if math.IsNaN(cfg.FPS) || cfg.FPS < 0 || cfg.FPS > MaxFPS {
		return cfg, &ConfigError{
			Field: "fps",
			Value: strconv.FormatFloat(cfg.FPS, 'g', -1, 64),
			Err:   fmt.Errorf("must be in (0, %g]", MaxFPS),
		}
	}

	if cfg.AnglePolicy != scan.Truncate && cfg.AnglePolicy != scan.Round {
		return cfg, &ConfigError{Field: "angle-policy", Value: cfg.AnglePolicy.String(), Err: errors.New("unknown policy")}
	}

	if cfg.MaxConsecutiveSendFailures < 0 {
		return cfg, &ConfigError{
			Field: "max-send-failures",
			Value: strconv.Itoa(cfg.MaxConsecutiveSendFailures),
			Err:   errors.New("must not be negative"),
		}
	}

	return cfg, nil
}

// FlushInterval is the minimum time between two flushes.
func (c Config) FlushInterval() time.Duration {
	fps := c.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Duration(float64(time.Second) / fps)
}

// Target returns host:port of the OSC receiver.
func (c Config) Target() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.OSCPort))
}

// ParseOSCPort parses a port typed by an operator. Failures are
// *ConfigError so they surface before anything is opened.
func ParseOSCPort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ConfigError{Field: "osc-port", Value: s, Err: errors.New("not an integer")}
	}
	if err := checkPortRange(port); err != nil {
		return 0, &ConfigError{Field: "osc-port", Value: s, Err: err}
	}
	return port, nil
}

func checkPortRange(port int) error {
	if port < 1 || port > 65535 {
		return errors.New("must be between 1 and 65535")
	}
	return nil
}

// normalizeHost trims the host and falls back to DefaultHost when empty. A
// host is either an IP literal or a DNS-style name; resolution happens when
// the transmitter is created.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return DefaultHost, nil
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if len(host) > 253 {
		return "", errors.New("host name too long")
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return "", errors.New("malformed host name")
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return "", errors.New("malformed host name")
		}
		for _, r := range label {
			if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return "", fmt.Errorf("invalid character %q in host", r)
			}
		}
	}
	return host, nil
}
