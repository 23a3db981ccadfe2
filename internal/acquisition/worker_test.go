package acquisition

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rplidar-osc/internal/acquisition/mocks"
	"github.com/banshee-data/rplidar-osc/internal/osc"
	"github.com/banshee-data/rplidar-osc/internal/scan"
	"github.com/banshee-data/rplidar-osc/internal/timeutil"
)

func openWorker(t *testing.T, cfg Config, deps Deps) *Worker {
	t.Helper()
	w := NewWorker(cfg, deps)
	require.NoError(t, w.Open(context.Background()))
	require.Equal(t, Running, w.State())
	return w
}

func segmentValues(t *testing.T, msg sentMessage) (int32, []float32) {
	t.Helper()
	require.Len(t, msg.Values, 1+scan.SegmentLen)
	start, ok := msg.Values[0].(int32)
	require.True(t, ok, "first value is %T, want int32", msg.Values[0])
	values := make([]float32, 0, scan.SegmentLen)
	for i, v := range msg.Values[1:] {
		f, ok := v.(float32)
		require.True(t, ok, "value %d is %T, want float32", i, v)
		values = append(values, f)
	}
	return start, values
}

func TestWorkerThreeSampleFlush(t *testing.T) {
	clock := newMockClock()
	src := &scriptedSource{
		samples: []scan.Sample{
			{Angle: 0, Distance: 100},
			{Angle: 45, Distance: 200},
			{Angle: 359, Distance: 300},
		},
		before: func(pull int) error {
			if pull == 3 {
				clock.Advance(150 * time.Millisecond)
			}
			return nil
		},
	}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)
	logs := &logCapture{}

	w := openWorker(t, testConfig(), Deps{
		OpenSource:     open,
		NewTransmitter: transmitterFactory(tx),
		Clock:          clock,
		Logf:           logs.Logf,
	})
	require.NoError(t, w.Run(context.Background()))

	sent := tx.Sent()
	require.Len(t, sent, 3)

	want := [3][]float32{
		make([]float32, scan.SegmentLen),
		make([]float32, scan.SegmentLen),
		make([]float32, scan.SegmentLen),
	}
	want[0][0] = 100
	want[0][45] = 200
	want[2][119] = 300

	for i, msg := range sent {
		assert.Equal(t, DefaultAddress, msg.Address)
		start, values := segmentValues(t, msg)
		assert.Equal(t, int32(scan.SegmentOffsets[i]), start)
		if diff := cmp.Diff(want[i], values); diff != "" {
			t.Errorf("segment %d mismatch (-want +got):\n%s", start, diff)
		}
	}

	assert.Equal(t, Terminated, w.State())
	assert.Equal(t, 1, src.Closes())
	assert.Equal(t, 1, tx.Closes())
	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.Samples)
	assert.Equal(t, uint64(1), stats.Flushes)
	assert.Equal(t, uint64(3), stats.Sends)
	assert.Equal(t, ErrSourceExhausted.Error(), stats.ExitReason)
	assert.Equal(t, 1, logs.Count("Worker terminated."))
}

func TestWorkerNoFlushBeforeInterval(t *testing.T) {
	clock := newMockClock()
	src := &scriptedSource{samples: []scan.Sample{{Angle: 1, Distance: 1}, {Angle: 2, Distance: 2}}}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)

	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: clock, Logf: (&logCapture{}).Logf})
	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, tx.Sent())
}

func TestWorkerFlushGateWithFastSource(t *testing.T) {
	clock := newMockClock()
	// Every loop iteration observes 1ms of progress.
	clock.OnNow = func(c *timeutil.MockClock) { c.Advance(time.Millisecond) }

	const samples = 1000
	src := &endlessSource{limit: samples}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)

	cfg := testConfig()
	cfg.FPS = 10
	w := openWorker(t, cfg, Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: clock, Logf: (&logCapture{}).Logf})
	require.NoError(t, w.Run(context.Background()))

	stats := w.Stats()
	elapsed := time.Duration(samples) * time.Millisecond
	maxFlushes := uint64(elapsed / cfg.FlushInterval())

	assert.Equal(t, uint64(samples), stats.Samples)
	assert.LessOrEqual(t, stats.Flushes, maxFlushes)
	// Strictly greater than the interval: flushes land at 101ms, 202ms, ...
	assert.Equal(t, uint64(9), stats.Flushes)
	assert.Len(t, tx.Sent(), int(stats.Flushes)*3)
}

func TestWorkerFlushGateHigherFPS(t *testing.T) {
	clock := newMockClock()
	clock.OnNow = func(c *timeutil.MockClock) { c.Advance(time.Millisecond) }

	src := &endlessSource{limit: 500}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)

	cfg := testConfig()
	cfg.FPS = 50
	w := openWorker(t, cfg, Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: clock, Logf: (&logCapture{}).Logf})
	require.NoError(t, w.Run(context.Background()))

	// 20ms interval, strict gate: every 21ms over 500ms.
	assert.Equal(t, uint64(500/21), w.Stats().Flushes)
}

func TestWorkerIoErrorOnThirdPull(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockSampleSource(ctrl)
	tx := mocks.NewMockTransmitter(ctrl)
	unplugged := errors.New("device not configured")

	gomock.InOrder(
		src.EXPECT().Next(gomock.Any()).Return(scan.Sample{Angle: 10, Distance: 10}, nil).Times(2),
		src.EXPECT().Next(gomock.Any()).Return(scan.Sample{}, unplugged),
		src.EXPECT().Close().Return(nil).Times(1),
	)
	tx.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	tx.EXPECT().Close().Return(nil).Times(1)

	open, _ := sourceOpener(src)
	logs := &logCapture{}
	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: newMockClock(), Logf: logs.Logf})

	err := w.Run(context.Background())
	var ioErr *IoError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, unplugged)
	assert.Contains(t, ioErr.Op, "/dev/ttyUSB0")

	assert.Equal(t, Terminated, w.State())
	assert.Equal(t, 1, logs.Count("[ERROR]"))
	assert.Equal(t, 1, logs.Count("Worker terminated."))
}

func TestWorkerCloseErrorDoesNotMaskFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockSampleSource(ctrl)
	readErr := errors.New("read failed")
	src.EXPECT().Next(gomock.Any()).Return(scan.Sample{}, readErr)
	src.EXPECT().Close().Return(errors.New("already gone"))

	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)
	logs := &logCapture{}
	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: newMockClock(), Logf: logs.Logf})

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, 1, logs.Count("Error closing sample source"))
	assert.Equal(t, 1, tx.Closes())
}

func TestWorkerStopBeforePull(t *testing.T) {
	src := &scriptedSource{samples: []scan.Sample{{Angle: 1, Distance: 1}}}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)
	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: newMockClock(), Logf: (&logCapture{}).Logf})

	w.Stop()
	assert.Equal(t, Stopping, w.State())
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 0, src.pulls)
	assert.Equal(t, Terminated, w.State())
	assert.Equal(t, "stopped", w.Stats().ExitReason)
	assert.Equal(t, 1, src.Closes())
}

func TestWorkerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{
		samples: []scan.Sample{{Angle: 1, Distance: 1}, {Angle: 2, Distance: 2}},
		before: func(pull int) error {
			if pull == 2 {
				cancel()
				return context.Canceled
			}
			return nil
		},
	}
	open, _ := sourceOpener(src)
	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(&recordingTransmitter{}), Clock: newMockClock(), Logf: (&logCapture{}).Logf})

	assert.NoError(t, w.Run(ctx))
	assert.Equal(t, "stopped", w.Stats().ExitReason)
}

func TestWorkerSendFailuresAreNotFatal(t *testing.T) {
	clock := newMockClock()
	clock.OnNow = func(c *timeutil.MockClock) { c.Advance(60 * time.Millisecond) }
	src := &endlessSource{limit: 20}
	tx := &recordingTransmitter{failWith: errors.New("sendto: no buffer space available")}
	open, _ := sourceOpener(src)
	logs := &logCapture{}

	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: clock, Logf: logs.Logf})
	require.NoError(t, w.Run(context.Background()))

	stats := w.Stats()
	require.NotZero(t, stats.Flushes)
	assert.Equal(t, stats.Flushes*3, stats.SendFailures)
	assert.Zero(t, stats.Sends)
	assert.Equal(t, uint64(20), stats.Samples)
	// One immediate line for the first failure, the rest summarised.
	assert.Equal(t, 1, logs.Count("send /rplidar/scan (segment 0)"))
	assert.GreaterOrEqual(t, logs.Count("more OSC sends failed"), 1)
}

func TestWorkerEscalatesSendFailures(t *testing.T) {
	clock := newMockClock()
	clock.OnNow = func(c *timeutil.MockClock) { c.Advance(200 * time.Millisecond) }
	src := &endlessSource{limit: 100}
	cause := errors.New("network is unreachable")
	tx := &recordingTransmitter{failWith: cause}
	open, _ := sourceOpener(src)

	cfg := testConfig()
	cfg.MaxConsecutiveSendFailures = 3
	w := openWorker(t, cfg, Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: clock, Logf: (&logCapture{}).Logf})

	err := w.Run(context.Background())
	var terr *TransmitError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 240, terr.Offset)
	assert.Len(t, tx.Sent(), 3)
	assert.Equal(t, 1, src.closes)
	assert.Equal(t, Terminated, w.State())
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	src := &scriptedSource{before: func(pull int) error { panic("driver bug") }}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)
	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: newMockClock(), Logf: (&logCapture{}).Logf})

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver bug")
	assert.Equal(t, Terminated, w.State())
	assert.Equal(t, 1, tx.Closes())
}

func TestWorkerOpenConfigErrorTouchesNothing(t *testing.T) {
	open, calls := sourceOpener(&scriptedSource{})
	txCalls := 0
	deps := Deps{
		OpenSource: open,
		NewTransmitter: func(host string, port int) (Transmitter, error) {
			txCalls++
			return &recordingTransmitter{}, nil
		},
		Logf: (&logCapture{}).Logf,
	}

	cfg := testConfig()
	cfg.OSCPort = 70000
	w := NewWorker(cfg, deps)
	err := w.Open(context.Background())

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "osc-port", cerr.Field)
	assert.Zero(t, *calls)
	assert.Zero(t, txCalls)
	assert.Equal(t, Terminated, w.State())

	assert.Error(t, w.Run(context.Background()))
}

func TestWorkerOpenBadHostTouchesNoSerial(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"dns lookup", &net.DNSError{Err: "no such host", Name: "no-such-host.invalid", IsNotFound: true}},
		{"bad address", fmt.Errorf("resolve: %w", &net.AddrError{Err: "missing port", Addr: "host"})},
		{"invalid target", fmt.Errorf("%w: port 0 out of range", osc.ErrInvalidTarget)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, calls := sourceOpener(&scriptedSource{})
			deps := Deps{
				OpenSource: open,
				NewTransmitter: func(host string, port int) (Transmitter, error) {
					return nil, tt.err
				},
				Logf: (&logCapture{}).Logf,
			}
			w := NewWorker(testConfig(), deps)

			var cerr *ConfigError
			require.ErrorAs(t, w.Open(context.Background()), &cerr)
			assert.Equal(t, "host", cerr.Field)
			assert.Zero(t, *calls)
		})
	}
}

func TestWorkerOpenTransmitterResourceFailure(t *testing.T) {
	open, calls := sourceOpener(&scriptedSource{})
	exhausted := errors.New("socket: too many open files")
	deps := Deps{
		OpenSource: open,
		NewTransmitter: func(host string, port int) (Transmitter, error) {
			return nil, exhausted
		},
		Logf: (&logCapture{}).Logf,
	}
	w := NewWorker(testConfig(), deps)
	err := w.Open(context.Background())

	var terr *TransmitError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, exhausted)
	assert.Equal(t, -1, terr.Offset)
	assert.Contains(t, err.Error(), "open OSC transmitter to 127.0.0.1:8000")
	var cerr *ConfigError
	assert.False(t, errors.As(err, &cerr))
	assert.Zero(t, *calls)
	assert.Equal(t, Terminated, w.State())
}

func TestWorkerOpenConnectionError(t *testing.T) {
	tx := &recordingTransmitter{}
	busy := errors.New("serial port busy")
	deps := Deps{
		OpenSource: func(ctx context.Context, cfg SourceConfig) (SampleSource, error) {
			return nil, busy
		},
		NewTransmitter: transmitterFactory(tx),
		Logf:           (&logCapture{}).Logf,
	}
	w := NewWorker(testConfig(), deps)
	err := w.Open(context.Background())

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "/dev/ttyUSB0", connErr.Port)
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 1, tx.Closes())
	assert.Equal(t, Terminated, w.State())
}

func TestWorkerOpenTwice(t *testing.T) {
	open, _ := sourceOpener(&scriptedSource{})
	w := openWorker(t, testConfig(), Deps{OpenSource: open, NewTransmitter: transmitterFactory(&recordingTransmitter{}), Logf: (&logCapture{}).Logf})
	assert.Error(t, w.Open(context.Background()))
	assert.Equal(t, Running, w.State())
}

type journalRecorder struct {
	starts []RunRecord
	ends   []RunRecord
}

func (j *journalRecorder) RecordRunStart(ctx context.Context, rec RunRecord) error {
	j.starts = append(j.starts, rec)
	return nil
}

func (j *journalRecorder) RecordRunEnd(ctx context.Context, rec RunRecord) error {
	j.ends = append(j.ends, rec)
	return errors.New("disk full")
}

func TestWorkerJournal(t *testing.T) {
	src := &scriptedSource{samples: []scan.Sample{{Angle: 5, Distance: 5}}}
	open, _ := sourceOpener(src)
	journal := &journalRecorder{}
	logs := &logCapture{}
	w := openWorker(t, testConfig(), Deps{
		OpenSource:     open,
		NewTransmitter: transmitterFactory(&recordingTransmitter{}),
		Clock:          newMockClock(),
		Journal:        journal,
		Logf:           logs.Logf,
	})
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, journal.starts, 1)
	require.Len(t, journal.ends, 1)
	assert.Equal(t, w.ID(), journal.starts[0].ID)
	assert.Equal(t, "127.0.0.1:8000", journal.starts[0].Target)
	assert.Equal(t, uint64(1), journal.ends[0].Samples)
	assert.Equal(t, ErrSourceExhausted.Error(), journal.ends[0].ExitReason)
	assert.Equal(t, 1, logs.Count("Failed to record run end"))
}

func TestWorkerAnglePolicyRound(t *testing.T) {
	clock := newMockClock()
	src := &scriptedSource{
		samples: []scan.Sample{{Angle: 359.6, Distance: 42}},
		before: func(pull int) error {
			clock.Advance(time.Second)
			return nil
		},
	}
	tx := &recordingTransmitter{}
	open, _ := sourceOpener(src)
	cfg := testConfig()
	cfg.AnglePolicy = scan.Round

	w := openWorker(t, cfg, Deps{OpenSource: open, NewTransmitter: transmitterFactory(tx), Clock: clock, Logf: (&logCapture{}).Logf})
	require.NoError(t, w.Run(context.Background()))

	sent := tx.Sent()
	require.Len(t, sent, 3)
	_, first := segmentValues(t, sent[0])
	assert.Equal(t, float32(42), first[0])
}
