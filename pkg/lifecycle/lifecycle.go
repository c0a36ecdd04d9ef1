// Package lifecycle defines the agent lifecycle state machine. The table is
// pure data; persistence of transitions lives in the ledger.
package lifecycle

import "strings"

// Lifecycle states. Only READY admits executions.
const (
	Registered     = "REGISTERED"
	Ready          = "READY"
	Running        = "RUNNING"
	Paused         = "PAUSED"
	Stopping       = "STOPPING"
	Stopped        = "STOPPED"
	Quarantined    = "QUARANTINED"
	ErrorRecovery  = "ERROR_RECOVERY"
	Decommissioned = "DECOMMISSIONED"
)

// allowedTransitions is the full FSM. DECOMMISSIONED is absorbing.
var allowedTransitions = map[string]map[string]bool{
	Registered:     {Ready: true, Decommissioned: true},
	Ready:          {Running: true, Quarantined: true, Decommissioned: true, Paused: true},
	Running:        {Paused: true, Stopping: true, ErrorRecovery: true},
	Paused:         {Ready: true, Stopping: true, Decommissioned: true},
	Stopping:       {Stopped: true, ErrorRecovery: true},
	Stopped:        {Ready: true, Decommissioned: true},
	Quarantined:    {Ready: true, Decommissioned: true},
	ErrorRecovery:  {Ready: true, Quarantined: true},
	Decommissioned: {},
}

// Normalize upper-cases and trims a state name.
func Normalize(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

// IsState reports whether name is a known lifecycle state.
func IsState(name string) bool {
	_, ok := allowedTransitions[Normalize(name)]
	return ok
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to string) bool {
	targets, ok := allowedTransitions[Normalize(from)]
	if !ok {
		return false
	}
	return targets[Normalize(to)]
}

// CanExecute reports whether an agent in the given state may run executions.
func CanExecute(state string) bool {
	if state == "" {
		return true // legacy rows default to READY
	}
	return Normalize(state) == Ready
}
