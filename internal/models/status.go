package models

import (
	"fmt"
	"strings"
)

// State is the reconciliation progress of an environment.
type State int

const (
	StateReady State = iota
	StateSyncing
	StateRunWithErr
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSyncing:
		return "syncing"
	case StateRunWithErr:
		return "run_with_err"
	default:
		return "unknown"
	}
}

// EnvStatus is the reported end state of the last sync cycle.
// Conflicts is non-empty only in StateRunWithErr.
type EnvStatus struct {
	State     State            `json:"state"`
	Conflicts []*ConflictError `json:"conflicts,omitempty"`
}

// Ready returns the idle status.
func Ready() EnvStatus {
	return EnvStatus{State: StateReady}
}

// Syncing returns the in-progress status.
func Syncing() EnvStatus {
	return EnvStatus{State: StateSyncing}
}

// RunWithErr returns the terminal status of a sync that recorded conflicts.
// An empty list collapses to Ready.
func RunWithErr(conflicts []*ConflictError) EnvStatus {
	if len(conflicts) == 0 {
		return Ready()
	}
	out := make([]*ConflictError, len(conflicts))
	copy(out, conflicts)
	return EnvStatus{State: StateRunWithErr, Conflicts: out}
}

// HasConflicts reports whether the status carries conflicts.
func (s EnvStatus) HasConflicts() bool {
	return len(s.Conflicts) > 0
}

func (s EnvStatus) String() string {
	if !s.HasConflicts() {
		return s.State.String()
	}
	parts := make([]string, len(s.Conflicts))
	for i, c := range s.Conflicts {
		parts[i] = c.Error()
	}
	return fmt.Sprintf("%s(%s)", s.State, strings.Join(parts, "; "))
}
