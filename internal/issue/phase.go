package issue

import "fmt"

// ActionPhase is the state of the action sub-system of a detail view.
type ActionPhase int

const (
	// PhaseIdle accepts a new action trigger.
	PhaseIdle ActionPhase = iota
	// PhaseSubmitting covers the submission and its reconciling read.
	PhaseSubmitting
	// PhaseSucceeded holds the success message for the display window.
	PhaseSucceeded
	// PhaseFailed holds the action error until the next trigger.
	PhaseFailed
)

var phaseNames = map[ActionPhase]string{
	PhaseIdle:       "idle",
	PhaseSubmitting: "submitting",
	PhaseSucceeded:  "succeeded",
	PhaseFailed:     "failed",
}

func (p ActionPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("ActionPhase(%d)", int(p))
}

// MarshalText encodes the phase by name.
func (p ActionPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// phaseTransitions lists the permitted successors of each phase.
var phaseTransitions = map[ActionPhase][]ActionPhase{
	PhaseIdle:       {PhaseSubmitting},
	PhaseSubmitting: {PhaseSucceeded, PhaseFailed},
	PhaseSucceeded:  {PhaseIdle},
	PhaseFailed:     {PhaseIdle},
}

// CanTransition reports whether the phase may move to next.
func (p ActionPhase) CanTransition(next ActionPhase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
