package acquisition

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/rplidar-osc/internal/monitoring"
	"github.com/banshee-data/rplidar-osc/internal/scan"
)

// subscriberBuffer is how many status lines a slow subscriber may lag before
// lines are dropped for it.
const subscriberBuffer = 64

// Status is a point-in-time view of the controller.
type Status struct {
	State     string    `json:"state"`
	Running   bool      `json:"running"`
	Port      string    `json:"port,omitempty"`
	Target    string    `json:"target,omitempty"`
	Address   string    `json:"address,omitempty"`
	FPS       float64   `json:"fps,omitempty"`
	Run       *RunStats `json:"run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Controller runs at most one Worker at a time on a background goroutine and
// relays its status lines to subscribers.
type Controller struct {
	deps Deps

	mu          sync.Mutex
	worker      *Worker
	starting    bool
	stopPending bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastErr     error

	latest atomic.Pointer[scan.Snapshot]

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// NewController returns an idle controller. deps.Logf and deps.OnFlush are
// wrapped, not replaced: the controller also fans lines out to subscribers
// and keeps the latest snapshot.
func NewController(deps Deps) *Controller {
	done := make(chan struct{})
	close(done)
	return &Controller{
		deps:        deps,
		done:        done,
		subscribers: make(map[string]chan string),
	}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a status line listener.
func (c *Controller) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (c *Controller) Unsubscribe(id string) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

// logf writes a status line to the log and to every subscriber.
func (c *Controller) logf(format string, v ...interface{}) {
	if c.deps.Logf != nil {
		c.deps.Logf(format, v...)
	} else {
		monitoring.Logf(format, v...)
	}

	line := fmt.Sprintf(format, v...)
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- line:
		default:
			// skip slow subscribers rather than stall the loop
		}
	}
}

func (c *Controller) storeSnapshot(s scan.Snapshot) {
	c.latest.Store(&s)
	if c.deps.OnFlush != nil {
		c.deps.OnFlush(s)
	}
}

// Start opens a new run and returns once the sensor is streaming; the loop
// continues in the background. ConfigError and ConnectionError are returned
// here and no worker is left running. A second Start while a worker is
// active returns ErrAlreadyRunning and leaves that worker untouched. A Stop
// that arrives while the sensor is still opening ends the run as soon as
// Open returns.
func (c *Controller) Start(cfg Config) error {
	c.mu.Lock()
	if c.starting || c.activeLocked() {
		c.mu.Unlock()
		c.logf(monitoring.WarnPrefix + "Already running.")
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.starting = true
	c.stopPending = false
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	deps := c.deps
	deps.Logf = c.logf
	deps.OnFlush = c.storeSnapshot
	w := NewWorker(cfg, deps)

	if err := w.Open(ctx); err != nil {
		cancel()
		c.mu.Lock()
		c.starting = false
		c.lastErr = err
		close(done)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.worker = w
	c.starting = false
	c.lastErr = nil
	if c.stopPending {
		w.Stop()
	}
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		err := w.Run(ctx)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}()
	return nil
}

func (c *Controller) activeLocked() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Stop asks the running worker to finish. It does not wait; use Wait or Done
// to observe Terminated. During Start the request is remembered and the
// opening context is cancelled.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starting {
		if !c.stopPending {
			c.stopPending = true
			c.logf(monitoring.InfoPrefix + "Stopping...")
			c.cancel()
		}
		return
	}
	if !c.activeLocked() || c.worker == nil {
		return
	}
	c.logf(monitoring.InfoPrefix + "Stopping...")
	c.worker.Stop()
	c.cancel()
}

// Wait blocks until the current run has terminated or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current run reaches Terminated. With no run it is
// already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Running reports whether a worker is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starting || c.activeLocked()
}

// Err returns the error that ended the last run or start attempt.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Status reports the current or most recent run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	w := c.worker
	lastErr := c.lastErr
	running := c.starting || c.activeLocked()
	c.mu.Unlock()

	st := Status{State: Idle.String(), Running: running}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if w == nil {
		return st
	}
	cfg := w.Config()
	stats := w.Stats()
	st.State = stats.State
	st.Port = cfg.PortPath
	st.Target = cfg.Target()
	st.Address = cfg.Address
	st.FPS = cfg.FPS
	st.Run = &stats
	return st
}

// LatestScan returns the buffer as of the most recent flush.
func (c *Controller) LatestScan() (scan.Snapshot, bool) {
	p := c.latest.Load()
	if p == nil {
		return scan.Snapshot{}, false
	}
	return *p, true
}

// Close stops any run and closes every subscriber channel. It does not wait
// for the worker.
func (c *Controller) Close() error {
	c.Stop()
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	return nil
}
