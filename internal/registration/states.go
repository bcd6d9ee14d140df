// Package registration runs the name-capture flow for new senders. A
// small state machine per pending address enforces the legal
// transitions; side effects go through injected callbacks so the engine
// never touches the bridge or the store directly.
package registration

import (
	"github.com/qmuntal/stateless"
)

// State is a registration flow state.
type State string

const (
	// StateAwaitingName means the user was asked for a name and the
	// next inbound is treated as an attempt.
	StateAwaitingName State = "awaiting_name"
	// StateCompleted means a valid name was accepted.
	StateCompleted State = "completed"
	// StateTempAssigned means attempts ran out or the flow timed out
	// and a temporary name was assigned.
	StateTempAssigned State = "temp_assigned"
)

// Trigger is a registration flow event.
type Trigger string

const (
	TriggerNameValid   Trigger = "name_valid"
	TriggerNameInvalid Trigger = "name_invalid"
	TriggerGiveUp      Trigger = "give_up"
)

// newMachine builds the per-address flow machine. Invalid attempts
// re-enter the awaiting state; valid names and give-ups are terminal.
func newMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateAwaitingName)

	sm.Configure(StateAwaitingName).
		PermitReentry(TriggerNameInvalid).
		Permit(TriggerNameValid, StateCompleted).
		Permit(TriggerGiveUp, StateTempAssigned)

	sm.Configure(StateCompleted)
	sm.Configure(StateTempAssigned)

	return sm
}
