package lifecycle

import "fmt"

// State is a lifecycle phase of the device.
type State int

const (
	StateInit State = iota
	StateNetworkSetup
	StateNetworkConnecting
	StateRegistering
	StateAwaitingClaim
	StateOperational
	StateFault
)

// String returns a human-readable name for the state
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateNetworkSetup:
		return "NetworkSetup"
	case StateNetworkConnecting:
		return "NetworkConnecting"
	case StateRegistering:
		return "Registering"
	case StateAwaitingClaim:
		return "AwaitingClaim"
	case StateOperational:
		return "Operational"
	case StateFault:
		return "Fault"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// validTransitions lists the edges the orchestrator may take. Every state may
// return to Init, which is how restarts and factory resets are expressed.
var validTransitions = map[State][]State{
	StateInit:              {StateNetworkSetup},
	StateNetworkSetup:      {StateNetworkConnecting, StateFault, StateInit},
	StateNetworkConnecting: {StateRegistering, StateFault, StateInit},
	StateRegistering:       {StateAwaitingClaim, StateOperational, StateFault, StateInit},
	StateAwaitingClaim:     {StateOperational, StateFault, StateInit},
	StateOperational:       {StateAwaitingClaim, StateFault, StateInit},
	StateFault: {
		StateInit,
		StateNetworkSetup,
		StateNetworkConnecting,
		StateRegistering,
		StateAwaitingClaim,
		StateOperational,
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
