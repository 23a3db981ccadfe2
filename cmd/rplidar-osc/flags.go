package main

import (
	"flag"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/acquisition"
	"github.com/banshee-data/rplidar-osc/internal/config"
	"github.com/banshee-data/rplidar-osc/internal/scan"
)

type cliFlags struct {
	port            *string
	baud            *int
	timeout         *time.Duration
	host            *string
	oscPort         *string
	address         *string
	fps             *float64
	anglePolicy     *string
	maxSendFailures *int

	configPath *string
	listen     *string
	dbPath     *string
	devMode    *bool
	listPorts  *bool
	version    *bool
}

func registerFlags(fs *flag.FlagSet) *cliFlags {
	return &cliFlags{
		port:            fs.String("port", "", "Serial port of the RPLidar, e.g. /dev/ttyUSB0 or COM3"),
		baud:            fs.Int("baud", acquisition.DefaultBaudRate, "Serial baud rate"),
		timeout:         fs.Duration("timeout", acquisition.DefaultTimeout, "Serial read timeout"),
		host:            fs.String("host", acquisition.DefaultHost, "OSC receiver host"),
		oscPort:         fs.String("osc-port", "8000", "OSC receiver UDP port"),
		address:         fs.String("address", acquisition.DefaultAddress, "OSC address for scan segments"),
		fps:             fs.Float64("fps", acquisition.DefaultFPS, "Scan flushes per second"),
		anglePolicy:     fs.String("angle-policy", scan.Truncate.String(), "Angle to slot mapping: truncate or round"),
		maxSendFailures: fs.Int("max-send-failures", 0, "Stop after this many consecutive OSC send failures (0 = never)"),

		configPath: fs.String("config", "", "Path to a JSON bridge config; flags override it"),
		listen:     fs.String("listen", "", "HTTP listen address for the control API and /debug (disabled when empty)"),
		dbPath:     fs.String("db", "", "Path to the SQLite run journal (disabled when empty)"),
		devMode:    fs.Bool("dev", false, "Use a simulated sensor instead of the serial port"),
		listPorts:  fs.Bool("list-ports", false, "List serial ports and exit"),
		version:    fs.Bool("version", false, "Print version and exit"),
	}
}

// explicit returns the names of flags given on the command line.
func explicit(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// loadFileConfig reads -config, or returns an empty config when none is
// given.
func (f *cliFlags) loadFileConfig() (*config.BridgeConfig, error) {
	if *f.configPath == "" {
		return config.EmptyBridgeConfig(), nil
	}
	return config.LoadBridgeConfig(*f.configPath)
}

// acquisitionConfig layers explicitly set flags over the file config. The
// result is not normalized; Controller.Start reports any ConfigError.
func (f *cliFlags) acquisitionConfig(fs *flag.FlagSet, file *config.BridgeConfig) (acquisition.Config, error) {
	cfg := file.Acquisition()
	set := explicit(fs)

	if set["port"] {
		cfg.PortPath = *f.port
	}
	if set["baud"] {
		cfg.BaudRate = *f.baud
	}
	if set["timeout"] {
		cfg.Timeout = *f.timeout
	}
	if set["host"] {
		cfg.Host = *f.host
	}
	if set["osc-port"] {
		port, err := acquisition.ParseOSCPort(*f.oscPort)
		if err != nil {
			return cfg, err
		}
		cfg.OSCPort = port
	}
	if set["address"] {
		cfg.Address = *f.address
	}
	if set["fps"] {
		cfg.FPS = *f.fps
	}
	if set["angle-policy"] {
		policy, err := scan.ParseAnglePolicy(*f.anglePolicy)
		if err != nil {
			return cfg, &acquisition.ConfigError{Field: "angle-policy", Value: *f.anglePolicy, Err: err}
		}
		cfg.AnglePolicy = policy
	}
	if set["max-send-failures"] {
		cfg.MaxConsecutiveSendFailures = *f.maxSendFailures
	}
	return cfg, nil
}

func (f *cliFlags) listenAddr(fs *flag.FlagSet, file *config.BridgeConfig) string {
	if explicit(fs)["listen"] {
		return *f.listen
	}
	return file.GetListen()
}

func (f *cliFlags) journalPath(fs *flag.FlagSet, file *config.BridgeConfig) string {
	if explicit(fs)["db"] {
		return *f.dbPath
	}
	return file.GetDBPath()
}
