package lifecycle

import "fmt"

// Case lifecycle states.
const (
	StateOpen       State = "open"
	StateTriaged    State = "triaged"
	StateInProgress State = "in_progress"
	StateParked     State = "parked"
	StateResolved   State = "resolved"
	StateClosed     State = "closed"
)

// CaseDefinition is the built-in transition table for cases.
//
// closed is terminal. Resolving, parking and reopening demand a
// justification; parking additionally demands a future resume timestamp.
func CaseDefinition() *Definition {
	return &Definition{
		EntityType: "case",
		Initial:    StateOpen,
		Transitions: map[State]map[State]Rule{
			StateOpen: {
				StateTriaged:    {},
				StateInProgress: {},
			},
			StateTriaged: {
				StateInProgress: {},
			},
			StateInProgress: {
				StateResolved: {RequiresAnnotation: true},
				StateParked:   {RequiresAnnotation: true, RequiresResumeAt: true},
			},
			StateParked: {
				StateInProgress: {},
			},
			StateResolved: {
				StateClosed:     {},
				StateInProgress: {RequiresAnnotation: true}, // reopen
			},
			StateClosed: {},
		},
		ParkState:   StateParked,
		ResumeState: StateInProgress,
	}
}

// Validate checks a definition for structural defects: an unknown initial
// state, park/resume states missing from the table, or a park state with
// no path to its resume state.
func (d *Definition) Validate() error {
	states := d.States()
	if !states[d.Initial] {
		return fmt.Errorf("lifecycle: initial state %q not in table", d.Initial)
	}
	if d.ParkState != "" {
		if !states[d.ParkState] {
			return fmt.Errorf("lifecycle: park state %q not in table", d.ParkState)
		}
		if !states[d.ResumeState] {
			return fmt.Errorf("lifecycle: resume state %q not in table", d.ResumeState)
		}
		if _, ok := d.Transitions[d.ParkState][d.ResumeState]; !ok {
			return fmt.Errorf("lifecycle: no transition from park state %q to resume state %q", d.ParkState, d.ResumeState)
		}
	}
	return nil
}
