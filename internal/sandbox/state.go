package sandbox

import (
	"slices"
	"time"
)

// State is the lifecycle state of an instance.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateCreating     State = "CREATING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

// Only RUNNING and STOPPED move back and forth, through explicit Stop and Start.
var transitions = map[State][]State{
	StateInitializing: {StateCreating, StateRunning, StateStopping, StateError},
	StateCreating:     {StateRunning, StateStopping, StateError},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {StateRunning, StateError},
	StateError:        {StateStopping},
}

// CanTransition reports whether an instance in s may move to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Transition describes one state change of an instance.
type Transition struct {
	Instance string
	From     State
	To       State
	Err      error
	At       time.Time
}
