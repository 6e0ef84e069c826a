// Package gate holds the design-control phase-gate state machine: six ordered
// phases, one active at a time, forward-only, with approval-gated completion.
// It is pure; the engine drives it against storage.
package gate

import (
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

// PhaseCount is the fixed length of the design-control sequence.
const PhaseCount = 6

// PhaseNames lists the six phases in order, index 0 = ordinal 1.
var PhaseNames = [PhaseCount]string{
	"Planning",
	"Inputs",
	"Outputs",
	"Verification",
	"Validation",
	"Transfer",
}

// Name returns the phase name for an ordinal in 1..6.
func Name(ordinal int) (string, error) {
	if ordinal < 1 || ordinal > PhaseCount {
		return "", fmt.Errorf("phase ordinal %d out of range 1..%d", ordinal, PhaseCount)
	}
	return PhaseNames[ordinal-1], nil
}

// KnownPhase reports whether name is one of the six phase names.
func KnownPhase(name string) bool {
	for _, n := range PhaseNames {
		if n == name {
			return true
		}
	}
	return false
}

// SequenceError reports a transition request naming a phase that is not the
// currently active one: a skip attempt, a stale client view, or the loser of
// a concurrent approval. Recoverable; the caller should refetch state.
type SequenceError struct {
	Claimed int
	Active  int
}

func (e SequenceError) Error() string {
	if e.Active == 0 {
		return fmt.Sprintf("phase %d is not active", e.Claimed)
	}
	return fmt.Sprintf("phase %d is not active; phase %d is", e.Claimed, e.Active)
}

// InvalidReviewError reports a malformed review payload.
type InvalidReviewError struct {
	Reason string
}

func (e InvalidReviewError) Error() string {
	return "invalid review: " + e.Reason
}

// TerminalError reports a transition attempted after all phases completed.
type TerminalError struct {
	ProjectID string
}

func (e TerminalError) Error() string {
	return fmt.Sprintf("project %s has completed all phases", e.ProjectID)
}

// ValidateReview checks the review payload for the fields an approval record
// must carry. It does not consult state.
func ValidateReview(rv domain.PhaseReview) error {
	if strings.TrimSpace(rv.ReviewerID) == "" {
		return InvalidReviewError{Reason: "reviewer_id is required"}
	}
	if strings.TrimSpace(rv.Signature) == "" {
		return InvalidReviewError{Reason: "signature is required"}
	}
	switch rv.Outcome {
	case domain.OutcomeApproved, domain.OutcomeRejected:
		return nil
	case "":
		return InvalidReviewError{Reason: "outcome is required"}
	default:
		return InvalidReviewError{Reason: fmt.Sprintf("outcome %q not one of approved, rejected", rv.Outcome)}
	}
}

// State is a snapshot of one project's phase sequence.
type State struct {
	Phases [PhaseCount]domain.Phase
}

// ActiveOrdinal returns the ordinal of the active phase, or 0 when the
// sequence is terminal (all completed).
func (s State) ActiveOrdinal() int {
	for _, p := range s.Phases {
		if p.Status == domain.PhaseActive {
			return p.Ordinal
		}
	}
	return 0
}

// Terminal reports whether every phase has completed.
func (s State) Terminal() bool {
	for _, p := range s.Phases {
		if p.Status != domain.PhaseCompleted {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants: exactly one active phase (or
// terminal), ordinals 1..6 in order, and no phase active or completed ahead
// of an incomplete predecessor.
func (s State) Validate() error {
	active := 0
	for i, p := range s.Phases {
		if p.Ordinal != i+1 {
			return fmt.Errorf("phase at index %d has ordinal %d", i, p.Ordinal)
		}
		switch p.Status {
		case domain.PhaseActive:
			active++
		case domain.PhaseNotStarted, domain.PhaseCompleted, domain.PhaseBlocked:
		default:
			return fmt.Errorf("phase %d has unknown status %q", p.Ordinal, p.Status)
		}
		if i > 0 {
			prev := s.Phases[i-1]
			started := p.Status == domain.PhaseActive || p.Status == domain.PhaseCompleted
			if started && prev.Status != domain.PhaseCompleted {
				return fmt.Errorf("phase %d is %s but phase %d is %s", p.Ordinal, p.Status, prev.Ordinal, prev.Status)
			}
		}
	}
	if active > 1 {
		return fmt.Errorf("%d phases active", active)
	}
	if active == 0 && !s.Terminal() {
		return fmt.Errorf("no active phase and sequence not terminal")
	}
	return nil
}

// CheckTransition validates a transition request against the snapshot:
// sequence first, then the review payload. It returns nil when the request
// may proceed (for either outcome).
func (s State) CheckTransition(fromOrdinal int, rv domain.PhaseReview) error {
	if fromOrdinal < 1 || fromOrdinal > PhaseCount {
		return SequenceError{Claimed: fromOrdinal, Active: s.ActiveOrdinal()}
	}
	if s.Terminal() {
		return TerminalError{ProjectID: s.Phases[0].ProjectID}
	}
	if active := s.ActiveOrdinal(); active != fromOrdinal {
		return SequenceError{Claimed: fromOrdinal, Active: active}
	}
	return ValidateReview(rv)
}

// NextOrdinal returns the ordinal activated after completing from, or 0 when
// from is the last phase.
func NextOrdinal(from int) int {
	if from >= PhaseCount {
		return 0
	}
	return from + 1
}
