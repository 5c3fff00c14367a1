package stage

import (
	"fmt"
	"sync/atomic"
)

// State is the readiness of the loader.
type State int32

const (
	// NotReady means no payload is resident. The next request starts a fresh attempt.
	NotReady State = iota
	// Fetching means an attempt is in flight.
	Fetching
	// Ready means a payload ran and requests go straight to the host.
	Ready
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Latch holds the state and the shared error slot read by the host.
// The error slot is written before the state so that a reader observing
// a state change also observes its error code.
type Latch struct {
	state atomic.Int32
	code  atomic.Int32
}

// State returns the current state.
func (l *Latch) State() State {
	return State(l.state.Load())
}

// Error returns the error slot. Zero means proceed, ErrorRetry means retry.
func (l *Latch) Error() int32 {
	return l.code.Load()
}

// begin moves NotReady to Fetching. It reports false when another attempt
// is already in flight or a payload is resident.
func (l *Latch) begin() bool {
	return l.state.CompareAndSwap(int32(NotReady), int32(Fetching))
}

func (l *Latch) fail(code int32) {
	l.code.Store(code)
	l.state.Store(int32(NotReady))
}

func (l *Latch) ready(code int32) {
	l.code.Store(code)
	l.state.Store(int32(Ready))
}
