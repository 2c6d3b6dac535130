// Package status owns the email status state machine and the projection to
// the outward UI status. It is the only place either mapping lives; callers
// must not hardcode transitions or projections.
package status

import (
	"fmt"

	"github.com/ignite/email-intel/internal/domain"
)

// allowed is the transition table. archived is reachable from any state and
// handled separately in CanTransition.
var allowed = map[domain.Status][]domain.Status{
	domain.StatusPending:        {domain.StatusPhase1Complete},
	domain.StatusPhase1Complete: {domain.StatusPhase2Complete, domain.StatusPhase2Failed},
	domain.StatusPhase2Complete: {domain.StatusPhase3Complete, domain.StatusPhase3Failed},
	domain.StatusPhase2Failed:   {domain.StatusPhase2Complete},
	domain.StatusPhase3Failed:   {domain.StatusPhase3Complete},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to domain.Status) bool {
	if to == domain.StatusArchived {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an error describing an illegal transition, or nil.
func Validate(from, to domain.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return nil
}

// PhaseFor returns the phase_completed value implied by a status. Failure
// statuses do not advance the completed phase.
func PhaseFor(s domain.Status) int {
	switch s {
	case domain.StatusPhase1Complete, domain.StatusPhase2Failed:
		return 1
	case domain.StatusPhase2Complete, domain.StatusPhase3Failed:
		return 2
	case domain.StatusPhase3Complete:
		return 3
	default:
		return 0
	}
}

// IsFailure reports whether a status records a phase failure.
func IsFailure(s domain.Status) bool {
	return s == domain.StatusPhase2Failed || s == domain.StatusPhase3Failed
}

// ToUI projects an internal status to its UI status. The projection is
// total: every internal status maps to exactly one UI status.
func ToUI(s domain.Status) domain.UIStatus {
	switch s {
	case domain.StatusPending:
		return domain.UIUnread
	case domain.StatusPhase1Complete:
		return domain.UIProcessing
	case domain.StatusPhase2Complete, domain.StatusPhase3Complete:
		return domain.UIResolved
	case domain.StatusPhase2Failed, domain.StatusPhase3Failed:
		return domain.UIEscalated
	case domain.StatusArchived:
		return domain.UIRead
	default:
		// Unknown statuses surface as processing rather than lying about
		// resolution.
		return domain.UIProcessing
	}
}

// All returns every internal status. Used by tests to verify the projection
// is total and by the stats endpoint to enumerate buckets.
func All() []domain.Status {
	return []domain.Status{
		domain.StatusPending,
		domain.StatusPhase1Complete,
		domain.StatusPhase2Complete,
		domain.StatusPhase3Complete,
		domain.StatusPhase2Failed,
		domain.StatusPhase3Failed,
		domain.StatusArchived,
	}
}
