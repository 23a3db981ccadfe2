package acquisition

import "fmt"

// WorkerState is the lifecycle position of a Worker. States only move
// forward: Idle, Running, Stopping, Terminated. Stopping may be skipped when
// the loop ends on its own.
type WorkerState int32

const (
	Idle WorkerState = iota
	Running
	Stopping
	Terminated
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

// Active reports whether the worker holds resources.
func (s WorkerState) Active() bool {
	return s == Running || s == Stopping
}
