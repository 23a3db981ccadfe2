// Package config loads bridge settings from a JSON file. Every field is
// optional; flags given on the command line override file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/acquisition"
	"github.com/banshee-data/rplidar-osc/internal/scan"
)

// DefaultConfigPath is the checked-in defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

// BridgeConfig is the on-disk configuration. Nil fields fall back to the
// acquisition defaults through the Get* accessors.
type BridgeConfig struct {
	// Serial side
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	Timeout    *string `json:"timeout,omitempty"` // duration string like "3s"

	// OSC side
	OSCHost    *string `json:"osc_host,omitempty"`
	OSCPort    *int    `json:"osc_port,omitempty"`
	OSCAddress *string `json:"osc_address,omitempty"`

	// Loop
	FPS             *float64 `json:"fps,omitempty"`
	AnglePolicy     *string  `json:"angle_policy,omitempty"`
	MaxSendFailures *int     `json:"max_send_failures,omitempty"`

	// Process
	Listen *string `json:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyBridgeConfig returns a BridgeConfig with all fields set to nil.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBridgeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// a parent. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *BridgeConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadBridgeConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set. Empty strings count as unset.
func (c *BridgeConfig) Validate() error {
	if c.Timeout != nil && *c.Timeout != "" {
		d, err := time.ParseDuration(*c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout '%s': %w", *c.Timeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}

	if c.OSCPort != nil {
		if _, err := acquisition.ParseOSCPort(strconv.Itoa(*c.OSCPort)); err != nil {
			return err
		}
	}

	if c.FPS != nil && (*c.FPS <= 0 || *c.FPS > acquisition.MaxFPS) {
		return fmt.Errorf("fps must be in (0, %g], got %g", acquisition.MaxFPS, *c.FPS)
	}

	if c.AnglePolicy != nil {
		if _, err := scan.ParseAnglePolicy(*c.AnglePolicy); err != nil {
			return err
		}
	}

	if c.MaxSendFailures != nil && *c.MaxSendFailures < 0 {
		return fmt.Errorf("max_send_failures must be non-negative, got %d", *c.MaxSendFailures)
	}

	return nil
}

// GetSerialPort returns the serial_port value or "".
func (c *BridgeConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *BridgeConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return acquisition.DefaultBaudRate
	}
	return *c.BaudRate
}

// GetTimeout parses and returns the Timeout as a time.Duration.
func (c *BridgeConfig) GetTimeout() time.Duration {
	if c.Timeout == nil || *c.Timeout == "" {
		return acquisition.DefaultTimeout
	}
	d, err := time.ParseDuration(*c.Timeout)
	if err != nil {
		return acquisition.DefaultTimeout // default on parse error
	}
	return d
}

// GetOSCHost returns the osc_host value or the default.
func (c *BridgeConfig) GetOSCHost() string {
	if c.OSCHost == nil || *c.OSCHost == "" {
		return acquisition.DefaultHost
	}
	return *c.OSCHost
}

// GetOSCPort returns the osc_port value or the default.
func (c *BridgeConfig) GetOSCPort() int {
	if c.OSCPort == nil {
		return acquisition.DefaultOSCPort
	}
	return *c.OSCPort
}

// GetOSCAddress returns the osc_address value or the default.
func (c *BridgeConfig) GetOSCAddress() string {
	if c.OSCAddress == nil || *c.OSCAddress == "" {
		return acquisition.DefaultAddress
	}
	return *c.OSCAddress
}

// GetFPS returns the fps value or the default.
func (c *BridgeConfig) GetFPS() float64 {
	if c.FPS == nil {
		return acquisition.DefaultFPS
	}
	return *c.FPS
}

// GetAnglePolicy returns the angle_policy value or Truncate.
func (c *BridgeConfig) GetAnglePolicy() scan.AnglePolicy {
	if c.AnglePolicy == nil {
		return scan.Truncate
	}
	p, err := scan.ParseAnglePolicy(*c.AnglePolicy)
	if err != nil {
		return scan.Truncate
	}
	return p
}

// GetMaxSendFailures returns the max_send_failures value or 0 (never
// escalate).
func (c *BridgeConfig) GetMaxSendFailures() int {
	if c.MaxSendFailures == nil {
		return 0
	}
	return *c.MaxSendFailures
}

// GetListen returns the HTTP listen address or "" (disabled).
func (c *BridgeConfig) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}

// GetDBPath returns the run journal path or "" (disabled).
func (c *BridgeConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// Acquisition converts the file settings into a run configuration. The
// result is not normalized; Worker.Open does that.
func (c *BridgeConfig) Acquisition() acquisition.Config {
	return acquisition.Config{
		PortPath:                   c.GetSerialPort(),
		BaudRate:                   c.GetBaudRate(),
		Timeout:                    c.GetTimeout(),
		Host:                       c.GetOSCHost(),
		OSCPort:                    c.GetOSCPort(),
		Address:                    c.GetOSCAddress(),
		FPS:                        c.GetFPS(),
		AnglePolicy:                c.GetAnglePolicy(),
		MaxConsecutiveSendFailures: c.GetMaxSendFailures(),
	}
}
