package state

import (
	"encoding/json"
	"testing"
)

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{PhaseUninitialized, "uninitialized"},
		{PhaseAwaitingChildren, "awaiting-children"},
		{PhaseReady, "ready"},
		{Phase(9), "phase(9)"},
	}

	for _, tc := range tests {
		if got := tc.phase.String(); got != tc.expected {
			t.Errorf("Phase(%d).String() = %q, want %q", tc.phase, got, tc.expected)
		}
	}
}

func TestPhase_JSON(t *testing.T) {
	data, err := json.Marshal(PhaseAwaitingChildren)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"awaiting-children"` {
		t.Errorf("Marshal = %s", data)
	}

	var parsed Phase
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if parsed != PhaseAwaitingChildren {
		t.Errorf("Unmarshal = %v, want %v", parsed, PhaseAwaitingChildren)
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		configured bool
		bound      int
		want       Phase
	}{
		{false, 0, PhaseUninitialized},
		{false, 2, PhaseUninitialized},
		{true, 0, PhaseAwaitingChildren},
		{true, 1, PhaseAwaitingChildren},
		{true, 2, PhaseReady},
	}

	for _, tc := range tests {
		if got := Derive(tc.configured, tc.bound, 2); got != tc.want {
			t.Errorf("Derive(%v, %d, 2) = %v, want %v", tc.configured, tc.bound, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	valid := [][2]Phase{
		{PhaseUninitialized, PhaseAwaitingChildren},
		{PhaseAwaitingChildren, PhaseAwaitingChildren},
		{PhaseAwaitingChildren, PhaseReady},
	}
	invalid := [][2]Phase{
		{PhaseUninitialized, PhaseReady},
		{PhaseReady, PhaseAwaitingChildren},
		{PhaseReady, PhaseReady},
		{PhaseAwaitingChildren, PhaseUninitialized},
	}

	for _, tr := range valid {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%v, %v) = false, want true", tr[0], tr[1])
		}
	}
	for _, tr := range invalid {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%v, %v) = true, want false", tr[0], tr[1])
		}
	}
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError(PhaseReady, PhaseAwaitingChildren)
	want := "invalid phase transition: ready -> awaiting-children"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
