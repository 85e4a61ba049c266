package chat

import "sync"

// ConnectionState is the session's connection lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String implements fmt.Stringer.
func (state ConnectionState) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// lifecycle tracks the connection state machine and notifies an observer on
// every transition. Connected and Connecting are mutually exclusive by
// construction: they both derive from the single state value.
type lifecycle struct {
	mu       sync.Mutex
	state    ConnectionState
	observer func(ConnectionState)
}

func newLifecycle(observer func(ConnectionState)) *lifecycle {
	return &lifecycle{observer: observer}
}

// moveTo performs a transition. The observer runs outside the lock so it may
// call back into the session.
func (lc *lifecycle) moveTo(next ConnectionState) {
	lc.mu.Lock()
	if lc.state == next {
		lc.mu.Unlock()
		return
	}
	lc.state = next
	observer := lc.observer
	lc.mu.Unlock()

	if observer != nil {
		observer(next)
	}
}

func (lc *lifecycle) current() ConnectionState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

func (lc *lifecycle) connected() bool {
	return lc.current() == StateConnected
}

func (lc *lifecycle) connecting() bool {
	return lc.current() == StateConnecting
}
