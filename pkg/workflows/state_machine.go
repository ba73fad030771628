// Package workflows holds the allowed status transitions for bounties and
// milestones.
package workflows

// StateMachine enforces status transitions
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewStateMachine creates a state machine from a transition table.
func NewStateMachine(transitions map[string][]string) *StateMachine {
	return &StateMachine{allowedTransitions: transitions}
}

// NewBountyStateMachine covers open -> in_progress -> completed.
// completed is terminal.
func NewBountyStateMachine() *StateMachine {
	return NewStateMachine(map[string][]string{
		"open":        {"in_progress"},
		"in_progress": {"completed"},
		"completed":   {},
	})
}

// NewMilestoneStateMachine covers pending -> submitted -> verified.
// verified is terminal and only reachable from submitted.
func NewMilestoneStateMachine() *StateMachine {
	return NewStateMachine(map[string][]string{
		"pending":   {"submitted"},
		"submitted": {"verified"},
		"verified":  {},
	})
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine) GetAllowedTransitions(from string) []string {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []string{}
	}
	return allowed
}

// IsTerminal reports whether no transition leaves from.
func (sm *StateMachine) IsTerminal(from string) bool {
	allowed, exists := sm.allowedTransitions[from]
	return exists && len(allowed) == 0
}
