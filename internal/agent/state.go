// ABOUTME: Agent lifecycle states.
// ABOUTME: Starting -> Running -> Terminating -> Terminated, with Failed for unexpected exits.

package agent

import "fmt"

// State is an agent's lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateTerminating
	StateTerminated
	StateFailed
)

var stateNames = map[State]string{
	StateStarting:    "starting",
	StateRunning:     "running",
	StateTerminating: "terminating",
	StateTerminated:  "terminated",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
