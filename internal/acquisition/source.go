package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/monitoring"
	"github.com/banshee-data/rplidar-osc/internal/rplidar"
	"github.com/banshee-data/rplidar-osc/internal/scan"
	"github.com/banshee-data/rplidar-osc/internal/serialport"
	"github.com/banshee-data/rplidar-osc/internal/timeutil"
)

// SampleSource yields sensor samples in arrival order. Next blocks for at
// most the configured read timeout and returns io.EOF when the sequence is
// finished. Close must be safe to call more than once.
type SampleSource interface {
	Next(ctx context.Context) (scan.Sample, error)
	Close() error
}

// SourceConfig is the serial side of a Config.
type SourceConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// SourceOpener opens a fresh SampleSource. A source cannot be restarted; each
// run opens a new one.
type SourceOpener func(ctx context.Context, cfg SourceConfig) (SampleSource, error)

// RPLidarOpener returns a SourceOpener that drives a physical RPLidar through
// open. The sensor must report healthy before the motor is started.
func RPLidarOpener(open serialport.Opener) SourceOpener {
	return func(ctx context.Context, cfg SourceConfig) (SampleSource, error) {
		opts := serialport.PortOptions{BaudRate: cfg.BaudRate, ReadTimeout: cfg.Timeout}
		lidar, err := rplidar.Connect(open, cfg.Port, opts)
		if err != nil {
			return nil, err
		}
		src := &lidarSource{lidar: lidar}
		if err := src.start(ctx); err != nil {
			_ = lidar.Disconnect()
			return nil, err
		}
		return src, nil
	}
}

type lidarSource struct {
	lidar *rplidar.Lidar

	closeOnce sync.Once
	closeErr  error
}

func (s *lidarSource) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	health, err := s.lidar.Health()
	if err != nil {
		return err
	}
	if health.Status == rplidar.HealthError {
		return fmt.Errorf("sensor reports health %s (code %d)", health.Status, health.ErrorCode)
	}
	if health.Status == rplidar.HealthWarning {
		monitoring.Warnf("Sensor on %s reports health warning (code %d)", s.lidar.Path(), health.ErrorCode)
	}
	if info, err := s.lidar.Info(); err == nil {
		monitoring.Infof("RPLidar model %#x firmware %s hardware %d serial %s", info.Model, info.Firmware, info.Hardware, info.Serial)
	}
	if err := s.lidar.StartMotor(); err != nil {
		return err
	}
	return s.lidar.StartScan()
}

func (s *lidarSource) Next(ctx context.Context) (scan.Sample, error) {
	m, err := s.lidar.Next(ctx)
	if err != nil {
		return scan.Sample{}, err
	}
	return scan.Sample{
		Angle:       m.Angle,
		Distance:    m.Distance,
		Quality:     m.Quality,
		StartOfScan: m.NewScan,
	}, nil
}

// Close stops the scan and motor and releases the port. Stop failures on a
// dead link are expected and only reported alongside the close result.
func (s *lidarSource) Close() error {
	s.closeOnce.Do(func() {
		stopErr := s.lidar.Stop()
		motorErr := s.lidar.StopMotor()
		closeErr := s.lidar.Disconnect()
		s.closeErr = errors.Join(closeErr, stopErr, motorErr)
	})
	return s.closeErr
}

// SimulatedOptions shapes the synthetic scan produced by SimulatedSource.
type SimulatedOptions struct {
	// Rate is samples per second. Default 2000, an A1 in standard mode.
	Rate float64
	// Step is degrees advanced per sample. Default 360/Rate*5.5 (5.5 Hz spin).
	Step float64
	// Limit ends the sequence with io.EOF after this many samples. Zero means
	// endless.
	Limit int
}

// SimulatedSource produces a rotating synthetic room outline so the bridge
// can be exercised without hardware.
type SimulatedSource struct {
	clock    timeutil.Clock
	interval time.Duration
	step     float64
	limit    int

	mu     sync.Mutex
	angle  float64
	n      int
	closed bool
}

// NewSimulatedSource returns a source paced by clock.
func NewSimulatedSource(clock timeutil.Clock, opts SimulatedOptions) *SimulatedSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.Rate <= 0 {
		opts.Rate = 2000
	}
	if opts.Step <= 0 {
		opts.Step = 360 / opts.Rate * 5.5
	}
	return &SimulatedSource{
		clock:    clock,
		interval: time.Duration(float64(time.Second) / opts.Rate),
		step:     opts.Step,
		limit:    opts.Limit,
	}
}

// SimulatedOpener opens a new SimulatedSource per run, ignoring the serial
// settings.
func SimulatedOpener(clock timeutil.Clock, opts SimulatedOptions) SourceOpener {
	return func(ctx context.Context, cfg SourceConfig) (SampleSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewSimulatedSource(clock, opts), nil
	}
}

// Next waits one sample interval and returns the next point.
func (s *SimulatedSource) Next(ctx context.Context) (scan.Sample, error) {
	if err := ctx.Err(); err != nil {
		return scan.Sample{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return scan.Sample{}, io.ErrClosedPipe
	}
	if s.limit > 0 && s.n >= s.limit {
		s.mu.Unlock()
		return scan.Sample{}, io.EOF
	}
	angle := s.angle
	start := s.n == 0 || s.angle+s.step >= 360
	s.angle = math.Mod(s.angle+s.step, 360)
	s.n++
	s.mu.Unlock()

	s.clock.Sleep(s.interval)

	return scan.Sample{
		Angle:       angle,
		Distance:    simulatedDistance(angle),
		Quality:     47,
		StartOfScan: start,
	}, nil
}

// simulatedDistance traces a 4m x 3m rectangle centred on the sensor.
func simulatedDistance(angle float64) float64 {
	rad := angle * math.Pi / 180
	const halfW, halfH = 2000.0, 1500.0
	dx := math.Abs(halfW / math.Cos(rad))
	dy := math.Abs(halfH / math.Sin(rad))
	return math.Min(dx, dy)
}

// Close ends the sequence. It is idempotent.
func (s *SimulatedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
