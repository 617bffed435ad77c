package disputes

import (
	"github.com/example/tripledger/internal/apperr"
)

// AllowedTransitions defines valid dispute status transitions. Resolved is terminal.
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusOpen:     {StatusResolved},
		StatusResolved: {},
	}
}

// CheckTransition reports a ConflictError for a transition out of Resolved,
// which is how a second resolution of the same dispute surfaces.
func CheckTransition(disputeID string, from, to Status) error {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return nil
		}
	}
	if from == StatusResolved {
		return apperr.Conflict("dispute.transition", "dispute %s is already Resolved", disputeID)
	}
	return apperr.InvalidState("dispute.transition", "invalid dispute transition %s -> %s for %s", from, to, disputeID)
}

// StatusDescription is the human-readable form used in listings.
func StatusDescription(s Status) string {
	switch s {
	case StatusOpen:
		return "Trip is on hold until the dispute is resolved"
	case StatusResolved:
		return "Dispute resolved and trip financials reconciled"
	default:
		return "Unknown status"
	}
}
