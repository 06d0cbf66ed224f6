package sync

import (
	"fmt"
	stdsync "sync"
)

// State is a destination's position in the sync lifecycle.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateCopying
	StateDeleting
	StateSettling
	StateDone
	StateError
)

var stateNames = [...]string{"idle", "planning", "copying", "deleting", "settling", "done", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// working states may follow each other in any order; full replace alternates
// between deleting, settling and copying.
func isWorking(s State) bool {
	return s == StatePlanning || s == StateCopying || s == StateDeleting || s == StateSettling
}

func allowed(from, to State) bool {
	switch {
	case from.Terminal():
		return false
	case to == StateError:
		return true
	case from == StateIdle:
		return to == StatePlanning
	case isWorking(from):
		return to != StatePlanning && to != StateIdle && to != from
	}
	return false
}

// Destination tracks the state of one destination tree.
type Destination struct {
	Path string

	mu       stdsync.Mutex
	state    State
	onChange func(path string, from, to State)
}

// NewDestination returns an idle destination. onChange may be nil.
func NewDestination(path string, onChange func(path string, from, to State)) *Destination {
	return &Destination{Path: path, onChange: onChange}
}

// State returns the current state.
func (d *Destination) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Transition moves to the next state, rejecting moves the lifecycle forbids.
func (d *Destination) Transition(to State) error {
	d.mu.Lock()
	from := d.state
	if !allowed(from, to) {
		d.mu.Unlock()
		return fmt.Errorf("illegal sync state transition %s -> %s for %s", from, to, d.Path)
	}
	d.state = to
	cb := d.onChange
	d.mu.Unlock()

	if cb != nil {
		cb(d.Path, from, to)
	}
	return nil
}

// Fail moves to StateError unless already terminal.
func (d *Destination) Fail() {
	if !d.State().Terminal() {
		_ = d.Transition(StateError)
	}
}
