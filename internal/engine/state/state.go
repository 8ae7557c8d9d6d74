// Package state defines the provisioning phases of a service that spawns
// child services, and the transitions allowed between them.
package state

import (
	"encoding/json"
	"fmt"
)

// Phase is the provisioning phase of a parent service.
type Phase int32

const (
	// PhaseUninitialized means the service has not been instantiated.
	PhaseUninitialized Phase = iota

	// PhaseAwaitingChildren means configuration is stored and at least one
	// child binding is still empty.
	PhaseAwaitingChildren

	// PhaseReady means every child binding is set.
	PhaseReady
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAwaitingChildren:
		return "awaiting-children"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", p)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePhase(s)
	return nil
}

// ParsePhase converts a string to Phase. Unknown strings map to
// PhaseUninitialized.
func ParsePhase(s string) Phase {
	switch s {
	case "awaiting-children", "awaiting_children":
		return PhaseAwaitingChildren
	case "ready":
		return PhaseReady
	default:
		return PhaseUninitialized
	}
}

// IsReady reports whether every child is bound.
func (p Phase) IsReady() bool {
	return p == PhaseReady
}

// Derive computes the phase from what is stored: whether configuration
// exists and how many of the expected child slots are bound.
func Derive(configured bool, bound, expected int) Phase {
	switch {
	case !configured:
		return PhaseUninitialized
	case bound >= expected:
		return PhaseReady
	default:
		return PhaseAwaitingChildren
	}
}

// ValidTransitions defines allowed phase transitions. Binding the last
// child moves AwaitingChildren to Ready; binding any other child keeps the
// phase where it is.
var ValidTransitions = map[Phase][]Phase{
	PhaseUninitialized:    {PhaseAwaitingChildren},
	PhaseAwaitingChildren: {PhaseAwaitingChildren, PhaseReady},
	PhaseReady:            {},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Phase) bool {
	for _, p := range ValidTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid phase transition.
type TransitionError struct {
	From Phase
	To   Phase
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Phase) TransitionError {
	return TransitionError{From: from, To: to}
}
