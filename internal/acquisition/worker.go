// Package acquisition runs the read-accumulate-flush loop that turns sensor
// samples into segmented OSC scan messages, and the controller that starts
// and stops it.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rplidar-osc/internal/monitoring"
	"github.com/banshee-data/rplidar-osc/internal/osc"
	"github.com/banshee-data/rplidar-osc/internal/scan"
	"github.com/banshee-data/rplidar-osc/internal/timeutil"
)

// sendFailureLogInterval spaces repeated send-failure summaries.
const sendFailureLogInterval = 5 * time.Second

// RunRecord describes one run for the journal.
type RunRecord struct {
	ID           string
	Port         string
	Target       string
	Address      string
	FPS          float64
	AnglePolicy  string
	StartedAt    time.Time
	EndedAt      time.Time
	ExitReason   string
	Samples      uint64
	Flushes      uint64
	SendFailures uint64
}

// RunJournal persists run start and end. Journal errors are logged and never
// affect the run.
type RunJournal interface {
	RecordRunStart(ctx context.Context, rec RunRecord) error
	RecordRunEnd(ctx context.Context, rec RunRecord) error
}

// Deps are the collaborators a Worker uses. Zero values select production
// implementations where one exists.
type Deps struct {
	OpenSource     SourceOpener
	NewTransmitter TransmitterFactory
	Clock          timeutil.Clock
	// Journal is optional.
	Journal RunJournal
	// Logf receives every status line, already prefixed with its level.
	// Defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
	// OnFlush, if set, receives a copy of the buffer after each flush.
	OnFlush func(scan.Snapshot)
}

func (d Deps) withDefaults() Deps {
	if d.NewTransmitter == nil {
		d.NewTransmitter = OSCTransmitter
	}
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Logf == nil {
		d.Logf = func(format string, v ...interface{}) { monitoring.Logf(format, v...) }
	}
	return d
}

// RunStats are the counters of one run.
type RunStats struct {
	RunID        string    `json:"run_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Samples      uint64    `json:"samples"`
	Flushes      uint64    `json:"flushes"`
	Sends        uint64    `json:"sends"`
	SendFailures uint64    `json:"send_failures"`
	ExitReason   string    `json:"exit_reason,omitempty"`
}

// Worker owns one scan buffer, sample source and transmitter for a single
// run. Open acquires the resources; Run loops until stopped, exhausted or
// failed, and always releases them before returning.
type Worker struct {
	cfg  Config
	deps Deps
	id   string

	stopRequested atomic.Bool

	mu    sync.Mutex
	state WorkerState
	stats RunStats

	// Owned by the goroutine calling Open then Run.
	buf       *scan.Buffer
	source    SampleSource
	tx        Transmitter
	interval  time.Duration
	lastFlush time.Time

	consecutiveFailures int
	pendingFailures     int
	lastFailure         error
	lastFailureLog      time.Time
}

// NewWorker returns an Idle worker. cfg is validated by Open.
func NewWorker(cfg Config, deps Deps) *Worker {
	id := uuid.NewString()
	return &Worker{
		cfg:   cfg,
		deps:  deps.withDefaults(),
		id:    id,
		state: Idle,
		stats: RunStats{RunID: id, State: Idle.String()},
	}
}

// ID identifies this run in logs and the journal.
func (w *Worker) ID() string { return w.id }

// Config returns the configuration, normalized once Open succeeded.
func (w *Worker) Config() Config { return w.cfg }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a copy of the run counters.
func (w *Worker) Stats() RunStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.stats.State = s.String()
}

func (w *Worker) infof(format string, v ...interface{}) {
	w.deps.Logf(monitoring.InfoPrefix+format, v...)
}

func (w *Worker) warnf(format string, v ...interface{}) {
	w.deps.Logf(monitoring.WarnPrefix+format, v...)
}

func (w *Worker) errorf(format string, v ...interface{}) {
	w.deps.Logf(monitoring.ErrorPrefix+format, v...)
}

// Open validates the configuration, binds the transmitter and opens the
// sample source, in that order, so a bad host never touches the serial
// device. On failure the worker goes straight to Terminated holding nothing.
func (w *Worker) Open(ctx context.Context) error {
	if s := w.State(); s != Idle {
		return fmt.Errorf("worker %s cannot open from state %s", w.id, s)
	}

	cfg, err := w.cfg.Normalize()
	if err != nil {
		return w.abort(err)
	}
	w.cfg = cfg
	if w.deps.OpenSource == nil {
		return w.abort(&ConnectionError{Port: cfg.PortPath, Err: errors.New("no sample source configured")})
	}

	tx, err := w.deps.NewTransmitter(cfg.Host, cfg.OSCPort)
	if err != nil {
		return w.abort(classifyTransmitterError(cfg, err))
	}

	src, err := w.deps.OpenSource(ctx, SourceConfig{
		Port:     cfg.PortPath,
		BaudRate: cfg.BaudRate,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		if cerr := tx.Close(); cerr != nil {
			w.warnf("Error closing OSC client: %v", cerr)
		}
		return w.abort(&ConnectionError{Port: cfg.PortPath, Err: err})
	}

	w.tx = tx
	w.source = src
	w.buf = scan.NewBuffer(cfg.AnglePolicy)
	w.interval = cfg.FlushInterval()
	now := w.deps.Clock.Now()
	w.lastFlush = now

	w.mu.Lock()
	w.state = Running
	w.stats.State = Running.String()
	w.stats.StartedAt = now
	w.mu.Unlock()

	w.infof("Connected to %s at %d baud, streaming %s to %s at %g FPS (run %s)",
		cfg.PortPath, cfg.BaudRate, cfg.Address, cfg.Target(), cfg.FPS, w.id)

	if w.deps.Journal != nil {
		if err := w.deps.Journal.RecordRunStart(ctx, w.record()); err != nil {
			w.warnf("Failed to record run start: %v", err)
		}
	}
	return nil
}

// classifyTransmitterError blames the configured host when the target could
// not be resolved, and the transmit path for anything else (e.g. no free
// sockets).
func classifyTransmitterError(cfg Config, err error) error {
	var (
		dnsErr  *net.DNSError
		addrErr *net.AddrError
	)
	if errors.Is(err, osc.ErrInvalidTarget) || errors.As(err, &dnsErr) || errors.As(err, &addrErr) {
		return &ConfigError{Field: "host", Value: cfg.Target(), Err: err}
	}
	return &TransmitError{Address: cfg.Address, Target: cfg.Target(), Offset: -1, Err: err}
}

func (w *Worker) abort(err error) error {
	w.errorf("%v", err)
	w.mu.Lock()
	w.state = Terminated
	w.stats.State = Terminated.String()
	w.stats.ExitReason = err.Error()
	w.mu.Unlock()
	return err
}

// Stop requests cooperative cancellation. The loop notices it before the
// next pull, or when the blocking pull returns.
func (w *Worker) Stop() {
	w.stopRequested.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Running {
		w.state = Stopping
		w.stats.State = Stopping.String()
	}
}

func (w *Worker) cancelled(ctx context.Context) bool {
	if w.stopRequested.Load() || ctx.Err() != nil {
		w.Stop()
		return true
	}
	return false
}

// Run executes the loop. It returns nil on a requested stop or an exhausted
// source, *IoError when the source fails, and *TransmitError when the send
// failure limit is reached. Panics are recovered and returned as errors.
// Resources are always released and the worker ends Terminated.
func (w *Worker) Run(ctx context.Context) (err error) {
	if s := w.State(); !s.Active() {
		return fmt.Errorf("worker %s: %w (state %s)", w.id, ErrNotRunning, s)
	}

	reason := "stopped"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("acquisition loop panic: %v", r)
			w.errorf("%v", err)
			reason = err.Error()
		}
		w.terminate(reason)
	}()

	for {
		if w.cancelled(ctx) {
			return nil
		}

		sample, err := w.source.Next(ctx)
		if err != nil {
			if w.cancelled(ctx) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				w.infof("Sample source ended")
				reason = ErrSourceExhausted.Error()
				return nil
			}
			ioErr := &IoError{Op: "read sample from " + w.cfg.PortPath, Err: err}
			w.errorf("%v", ioErr)
			reason = ioErr.Error()
			return ioErr
		}

		w.buf.Write(sample.Angle, sample.Distance)
		w.mu.Lock()
		w.stats.Samples++
		w.mu.Unlock()

		now := w.deps.Clock.Now()
		if now.Sub(w.lastFlush) > w.interval {
			if err := w.flush(now); err != nil {
				w.errorf("%v", err)
				reason = err.Error()
				return err
			}
		}
	}
}

// flush sends the three segments, each prefixed with its start slot.
func (w *Worker) flush(now time.Time) error {
	for _, off := range scan.SegmentOffsets {
		seg := w.buf.Segment(off)
		args := make([]interface{}, 0, 1+len(seg.Values))
		args = append(args, int32(seg.Start))
		for _, v := range seg.Values {
			args = append(args, v)
		}

		if err := w.tx.Send(w.cfg.Address, args...); err != nil {
			if terr := w.sendFailed(now, off, err); terr != nil {
				return terr
			}
			continue
		}
		w.sendSucceeded()
	}
	w.lastFlush = now

	w.mu.Lock()
	w.stats.Flushes++
	w.mu.Unlock()

	if w.deps.OnFlush != nil {
		w.deps.OnFlush(w.buf.Snapshot())
	}
	return nil
}

// sendFailed logs the first failure of a streak at once and then summarises
// every sendFailureLogInterval.
func (w *Worker) sendFailed(now time.Time, offset int, err error) error {
	terr := &TransmitError{Address: w.cfg.Address, Target: w.cfg.Target(), Offset: offset, Err: err}

	w.mu.Lock()
	w.stats.SendFailures++
	w.mu.Unlock()

	w.consecutiveFailures++
	w.lastFailure = terr
	if w.consecutiveFailures == 1 {
		w.warnf("%v", terr)
		w.lastFailureLog = now
	} else {
		w.pendingFailures++
		if now.Sub(w.lastFailureLog) >= sendFailureLogInterval {
			w.flushFailureSummary()
			w.lastFailureLog = now
		}
	}

	if limit := w.cfg.MaxConsecutiveSendFailures; limit > 0 && w.consecutiveFailures >= limit {
		return fmt.Errorf("%d consecutive send failures: %w", w.consecutiveFailures, terr)
	}
	return nil
}

func (w *Worker) sendSucceeded() {
	w.mu.Lock()
	w.stats.Sends++
	w.mu.Unlock()
	if w.consecutiveFailures > 0 {
		w.flushFailureSummary()
		w.infof("OSC sends to %s recovered after %d failures", w.cfg.Target(), w.consecutiveFailures)
	}
	w.consecutiveFailures = 0
}

func (w *Worker) flushFailureSummary() {
	if w.pendingFailures == 0 {
		return
	}
	w.warnf("%d more OSC sends failed (latest: %v)", w.pendingFailures, w.lastFailure)
	w.pendingFailures = 0
}

// terminate releases everything the run holds. Close errors are logged and
// never replace the error that ended the run.
func (w *Worker) terminate(reason string) {
	if w.source != nil {
		if err := w.source.Close(); err != nil {
			w.warnf("Error closing sample source: %v", err)
		}
		w.source = nil
	}
	if w.tx != nil {
		if err := w.tx.Close(); err != nil {
			w.warnf("Error closing OSC client: %v", err)
		}
		w.tx = nil
	}
	w.flushFailureSummary()

	w.mu.Lock()
	w.state = Terminated
	w.stats.State = Terminated.String()
	w.stats.EndedAt = w.deps.Clock.Now()
	w.stats.ExitReason = reason
	w.mu.Unlock()

	if w.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := w.deps.Journal.RecordRunEnd(ctx, w.record()); err != nil {
			w.warnf("Failed to record run end: %v", err)
		}
		cancel()
	}

	w.infof("Worker terminated.")
}

func (w *Worker) record() RunRecord {
	stats := w.Stats()
	return RunRecord{
		ID:           w.id,
		Port:         w.cfg.PortPath,
		Target:       w.cfg.Target(),
		Address:      w.cfg.Address,
		FPS:          w.cfg.FPS,
		AnglePolicy:  w.cfg.AnglePolicy.String(),
		StartedAt:    stats.StartedAt,
		EndedAt:      stats.EndedAt,
		ExitReason:   stats.ExitReason,
		Samples:      stats.Samples,
		Flushes:      stats.Flushes,
		SendFailures: stats.SendFailures,
	}
}
