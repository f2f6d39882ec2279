package vm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// State is the observed lifecycle state of an instance.
type State int

const (
	StateOff State = iota
	StateStarting
	StateRestarting
	StateRunning
	StateDelayedShutdown
	StateSuspending
	StateSuspended
	StateUnknown
	StateStopping
)

var stateNames = map[State]string{
	StateOff:             "off",
	StateStarting:        "starting",
	StateRestarting:      "restarting",
	StateRunning:         "running",
	StateDelayedShutdown: "delayed_shutdown",
	StateSuspending:      "suspending",
	StateSuspended:       "suspended",
	StateUnknown:         "unknown",
	StateStopping:        "stopping",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState parses a state name as produced by String.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown state %q: %w", name, errdefs.ErrInvalidArgument)
}

// IsOff reports whether the guest is not executing.
func (s State) IsOff() bool {
	return s == StateOff
}

// IsActive reports whether the guest is executing or on its way there.
func (s State) IsActive() bool {
	switch s {
	case StateStarting, StateRestarting, StateRunning, StateDelayedShutdown:
		return true
	}
	return false
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		name = stateNames[StateUnknown]
	}
	return json.Marshal(name)
}

// UnmarshalJSON accepts a state name or the integer encoding. Names and
// values it does not know decode as StateUnknown so that a newer record
// never blocks loading.
func (s *State) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		parsed, err := ParseState(name)
		if err != nil {
			parsed = StateUnknown
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid state %s: %w", string(data), errdefs.ErrInvalidArgument)
	}
	if _, ok := stateNames[State(n)]; !ok {
		*s = StateUnknown
		return nil
	}
	*s = State(n)
	return nil
}

// transitions lists the states each state may be committed to. Every
// state may fall back to unknown when the backend stops answering.
var transitions = map[State][]State{
	StateOff:             {StateStarting, StateRunning},
	StateStarting:        {StateRunning, StateRestarting, StateOff, StateStopping, StateSuspended},
	StateRestarting:      {StateRunning, StateStopping, StateOff, StateStarting},
	StateRunning:         {StateStopping, StateSuspending, StateRestarting, StateDelayedShutdown, StateOff, StateSuspended, StateStarting},
	StateDelayedShutdown: {StateRunning, StateStopping, StateOff, StateRestarting},
	StateSuspending:      {StateSuspended, StateRunning, StateOff},
	StateSuspended:       {StateStarting, StateRunning, StateStopping, StateOff},
	StateStopping:        {StateOff, StateRunning, StateStarting, StateSuspended, StateDelayedShutdown, StateRestarting},
	StateUnknown:         {StateOff, StateStarting, StateRunning, StateSuspended, StateRestarting, StateStopping, StateDelayedShutdown},
}

// CanTransition reports whether from may be committed to to.
func CanTransition(from, to State) bool {
	if from == to || to == StateUnknown {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
