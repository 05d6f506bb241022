package session

import (
	"time"

	"github.com/voltlab/echemctl/internal/protocol"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConfiguring
	StateRunning
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Event is one ordered session notification. The set is closed; consumers
// switch exhaustively.
type Event interface {
	isEvent()
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	State State
}

// SampleReceived carries one telemetry point, in arrival order.
type SampleReceived struct {
	Sample protocol.Sample
}

// StallDetected reports elapsed time without telemetry while running. It is
// informational; long pulse periods have legitimate quiet intervals.
type StallDetected struct {
	Elapsed time.Duration
}

// ConsistencyWarning reports a device/host sample-count mismatch at
// completion. Non-fatal; the collected data stays valid.
type ConsistencyWarning struct {
	Declared uint32
	Received uint32
}

// SessionEnded is the final event before the event channel closes.
type SessionEnded struct {
	Outcome     State // StateCompleted, StateAborted or StateFailed
	Err         error // nil on success
	SampleCount int
}

func (StateChanged) isEvent()       {}
func (SampleReceived) isEvent()     {}
func (StallDetected) isEvent()      {}
func (ConsistencyWarning) isEvent() {}
func (SessionEnded) isEvent()       {}
