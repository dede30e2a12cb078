package registry

import "sync/atomic"

// lifecycleState is the CAS-guarded OPENING/OPEN/CLOSING/CLOSED state
// machine shared by the facade, mirroring the state field of the Java
// AbstractRegistry. Transitions are one-way except CLOSED -> OPENING
// (a registry may be reopened after a clean close).
type lifecycleState int32

const (
	stateClosed lifecycleState = iota
	stateOpening
	stateOpen
	stateClosing
)

func (s lifecycleState) String() string {
	switch s {
	case stateOpening:
		return "OPENING"
	case stateOpen:
		return "OPEN"
	case stateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

type state struct {
	v atomic.Int32
}

func (s *state) get() lifecycleState {
	return lifecycleState(s.v.Load())
}

func (s *state) set(v lifecycleState) {
	s.v.Store(int32(v))
}

// compareAndSet is the Go rendering of AtomicReference.compareAndSet,
// used to make open()/close() idempotent under concurrent callers.
func (s *state) compareAndSet(from, to lifecycleState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// whenOpen runs fn only while the registry is OPEN, silently
// no-opping otherwise — the Go rendering of AbstractRegistry's
// whenOpen() guard used by every public operation.
func (s *state) whenOpen(fn func()) {
	if s.get() == stateOpen {
		fn()
	}
}
