package acquisition

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/scan"
	"github.com/banshee-data/rplidar-osc/internal/timeutil"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// scriptedSource returns samples in order, then io.EOF. before, if set, runs
// ahead of each pull with its 1-based index; a non-nil result is returned
// instead of a sample.
type scriptedSource struct {
	mu      sync.Mutex
	samples []scan.Sample
	before  func(pull int) error
	pulls   int
	closes  int
}

func (s *scriptedSource) Next(ctx context.Context) (scan.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	if s.before != nil {
		if err := s.before(s.pulls); err != nil {
			return scan.Sample{}, err
		}
	}
	if len(s.samples) == 0 {
		return scan.Sample{}, io.EOF
	}
	next := s.samples[0]
	s.samples = s.samples[1:]
	return next, nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *scriptedSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// endlessSource returns the same sample until limit pulls, then io.EOF.
type endlessSource struct {
	limit  int
	pulls  int
	closes int
}

func (s *endlessSource) Next(ctx context.Context) (scan.Sample, error) {
	if s.pulls >= s.limit {
		return scan.Sample{}, io.EOF
	}
	s.pulls++
	return scan.Sample{Angle: float64(s.pulls % 360), Distance: 1000}, nil
}

func (s *endlessSource) Close() error {
	s.closes++
	return nil
}

// blockingSource behaves like a sensor read with a timeout: each pull waits
// up to timeout for cancellation before yielding a sample.
type blockingSource struct {
	timeout time.Duration

	mu     sync.Mutex
	closes int
}

func (s *blockingSource) Next(ctx context.Context) (scan.Sample, error) {
	select {
	case <-ctx.Done():
		return scan.Sample{}, ctx.Err()
	case <-time.After(s.timeout):
		return scan.Sample{Angle: 10, Distance: 500}, nil
	}
}

func (s *blockingSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *blockingSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type sentMessage struct {
	Address string
	Values  []interface{}
}

// recordingTransmitter captures every send. failWith, if set, fails every
// send after recording it.
type recordingTransmitter struct {
	mu       sync.Mutex
	sent     []sentMessage
	failWith error
	closes   int
}

func (r *recordingTransmitter) Send(address string, values ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{Address: address, Values: append([]interface{}(nil), values...)})
	return r.failWith
}

func (r *recordingTransmitter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *recordingTransmitter) Sent() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func (r *recordingTransmitter) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func transmitterFactory(tx Transmitter) TransmitterFactory {
	return func(host string, port int) (Transmitter, error) { return tx, nil }
}

func sourceOpener(src SampleSource) (SourceOpener, *int) {
	calls := 0
	return func(ctx context.Context, cfg SourceConfig) (SampleSource, error) {
		calls++
		return src, nil
	}, &calls
}

// logCapture collects status lines.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (l *logCapture) Logf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *logCapture) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *logCapture) Count(substr string) int {
	n := 0
	for _, line := range l.Lines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PortPath = "/dev/ttyUSB0"
	return cfg
}

func newMockClock() *timeutil.MockClock {
	return timeutil.NewMockClock(testEpoch)
}
