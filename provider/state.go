package provider

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// State is a provider health state.
//
// The lifecycle is:
//
//	UNSTARTED → STARTING → READY ⇄ DEGRADED → STOPPING → {STOPPED, DEAD}
//
// DEAD is terminal for the provider instance. It is reached from STARTING
// on handshake failure, from READY or DEGRADED when the process crashes,
// and from DEGRADED after health-probe retries are exhausted.
type State int32

const (
	Unstarted State = iota
	Starting
	Ready
	Degraded
	Stopping
	Stopped
	Dead
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "UNSTARTED"
	case Starting:
		return "STARTING"
	case Ready:
		return "READY"
	case Degraded:
		return "DEGRADED"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	case Dead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// Accepting reports whether the provider may receive new calls.
func (s State) Accepting() bool {
	return s == Ready
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Stopped || s == Dead
}

var validTransitions = map[State][]State{
	Unstarted: {Starting},
	Starting:  {Ready, Dead, Stopping},
	Ready:     {Degraded, Stopping, Dead},
	Degraded:  {Ready, Stopping, Dead},
	Stopping:  {Stopped, Dead},
}

// Transition holds one observed state change.
type Transition struct {
	ProviderID string
	From       State
	To         State
	Reason     string
}

// StateTracker guards a provider's health state and publishes transitions
// to a single observer. The observer is invoked outside the lock.
type StateTracker struct {
	providerID string

	mu       sync.Mutex
	state    State
	onChange func(Transition)
}

// NewStateTracker creates a tracker in the UNSTARTED state.
func NewStateTracker(providerID string) *StateTracker {
	return &StateTracker{providerID: providerID}
}

// OnChange sets the transition observer. Must be set before Start.
func (t *StateTracker) OnChange(fn func(Transition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// State returns the current state.
func (t *StateTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set transitions to the given state, rejecting moves the lifecycle does
// not allow. Setting the current state again is a no-op.
func (t *StateTracker) Set(to State, reason string) error {
	t.mu.Lock()
	from := t.state
	if from == to {
		t.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		t.mu.Unlock()
		return errors.Errorf("provider %q: invalid state transition %s -> %s", t.providerID, from, to)
	}
	t.state = to
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(Transition{ProviderID: t.providerID, From: from, To: to, Reason: reason})
	}
	return nil
}

// CompareAndSet transitions only when the current state equals from.
// It reports whether the transition happened.
func (t *StateTracker) CompareAndSet(from, to State, reason string) bool {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return false
	}
	t.state = to
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(Transition{ProviderID: t.providerID, From: from, To: to, Reason: reason})
	}
	return true
}
