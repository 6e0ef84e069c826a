package gate_test

import (
	"errors"
	"fmt"
	"testing"

	"phaseline/internal/domain"
	"phaseline/internal/gate"
)

func review(outcome domain.ReviewOutcome) domain.PhaseReview {
	return domain.PhaseReview{
		ID:         "rv-1",
		ProjectID:  "proj-1",
		ReviewerID: "alice",
		Outcome:    outcome,
		Signature:  "alice/2024-01-01",
	}
}

// stateAt builds a snapshot with phases 1..active-1 completed and active
// active. active=0 means fully terminal.
func stateAt(active int) gate.State {
	var s gate.State
	for i := 0; i < gate.PhaseCount; i++ {
		ordinal := i + 1
		status := domain.PhaseNotStarted
		switch {
		case active == 0 || ordinal < active:
			status = domain.PhaseCompleted
		case ordinal == active:
			status = domain.PhaseActive
		}
		s.Phases[i] = domain.Phase{
			ProjectID: "proj-1",
			Ordinal:   ordinal,
			Name:      gate.PhaseNames[i],
			Status:    status,
		}
	}
	return s
}

func TestPhaseNames(t *testing.T) {
	want := []string{"Planning", "Inputs", "Outputs", "Verification", "Validation", "Transfer"}
	for i, name := range want {
		got, err := gate.Name(i + 1)
		if err != nil {
			t.Fatalf("Name(%d): %v", i+1, err)
		}
		if got != name {
			t.Fatalf("Name(%d) = %q, want %q", i+1, got, name)
		}
	}
	if _, err := gate.Name(0); err == nil {
		t.Fatal("Name(0) should fail")
	}
	if _, err := gate.Name(7); err == nil {
		t.Fatal("Name(7) should fail")
	}
	if !gate.KnownPhase("Verification") {
		t.Fatal("Verification should be known")
	}
	if gate.KnownPhase("Review") {
		t.Fatal("Review should not be known")
	}
}

func TestValidateOrderedStates(t *testing.T) {
	for active := 0; active <= gate.PhaseCount; active++ {
		if err := stateAt(active).Validate(); err != nil {
			t.Fatalf("stateAt(%d): %v", active, err)
		}
	}
}

func TestValidateRejectsTwoActive(t *testing.T) {
	s := stateAt(1)
	s.Phases[1].Status = domain.PhaseActive
	if err := s.Validate(); err == nil {
		t.Fatal("two active phases should fail validation")
	}
}

func TestValidateRejectsGap(t *testing.T) {
	// Phase 3 active while phase 2 never completed.
	s := stateAt(1)
	s.Phases[0].Status = domain.PhaseCompleted
	s.Phases[2].Status = domain.PhaseActive
	if err := s.Validate(); err == nil {
		t.Fatal("activation past an incomplete phase should fail validation")
	}
}

func TestValidateRejectsNoActive(t *testing.T) {
	s := stateAt(3)
	s.Phases[2].Status = domain.PhaseNotStarted
	if err := s.Validate(); err == nil {
		t.Fatal("no active phase in a non-terminal sequence should fail")
	}
}

func TestActiveOrdinal(t *testing.T) {
	if got := stateAt(4).ActiveOrdinal(); got != 4 {
		t.Fatalf("ActiveOrdinal = %d, want 4", got)
	}
	if got := stateAt(0).ActiveOrdinal(); got != 0 {
		t.Fatalf("terminal ActiveOrdinal = %d, want 0", got)
	}
	if stateAt(0).Terminal() != true {
		t.Fatal("stateAt(0) should be terminal")
	}
	if stateAt(6).Terminal() {
		t.Fatal("stateAt(6) should not be terminal")
	}
}

func TestValidateReview(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.PhaseReview)
		reason string
	}{
		{"missing reviewer", func(rv *domain.PhaseReview) { rv.ReviewerID = " " }, "reviewer_id"},
		{"missing signature", func(rv *domain.PhaseReview) { rv.Signature = "" }, "signature"},
		{"missing outcome", func(rv *domain.PhaseReview) { rv.Outcome = "" }, "outcome"},
		{"bogus outcome", func(rv *domain.PhaseReview) { rv.Outcome = "maybe" }, "outcome"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rv := review(domain.OutcomeApproved)
			tc.mutate(&rv)
			err := gate.ValidateReview(rv)
			var ive gate.InvalidReviewError
			if !errors.As(err, &ive) {
				t.Fatalf("want InvalidReviewError, got %v", err)
			}
		})
	}
	if err := gate.ValidateReview(review(domain.OutcomeApproved)); err != nil {
		t.Fatalf("approved review should validate: %v", err)
	}
	if err := gate.ValidateReview(review(domain.OutcomeRejected)); err != nil {
		t.Fatalf("rejected review should validate: %v", err)
	}
}

func TestCheckTransitionSequence(t *testing.T) {
	s := stateAt(2)
	// claiming any non-active ordinal fails with SequenceError
	for _, claimed := range []int{1, 3, 4, 5, 6} {
		err := s.CheckTransition(claimed, review(domain.OutcomeApproved))
		var se gate.SequenceError
		if !errors.As(err, &se) {
			t.Fatalf("claimed %d: want SequenceError, got %v", claimed, err)
		}
		if se.Claimed != claimed || se.Active != 2 {
			t.Fatalf("claimed %d: got %+v", claimed, se)
		}
	}
	if err := s.CheckTransition(2, review(domain.OutcomeApproved)); err != nil {
		t.Fatalf("active ordinal should pass: %v", err)
	}
}

func TestCheckTransitionRange(t *testing.T) {
	s := stateAt(1)
	for _, claimed := range []int{0, -1, 7} {
		err := s.CheckTransition(claimed, review(domain.OutcomeApproved))
		var se gate.SequenceError
		if !errors.As(err, &se) {
			t.Fatalf("claimed %d: want SequenceError, got %v", claimed, err)
		}
	}
}

func TestCheckTransitionTerminal(t *testing.T) {
	s := stateAt(0)
	err := s.CheckTransition(6, review(domain.OutcomeApproved))
	var te gate.TerminalError
	if !errors.As(err, &te) {
		t.Fatalf("want TerminalError, got %v", err)
	}
	if te.ProjectID != "proj-1" {
		t.Fatalf("TerminalError project = %q", te.ProjectID)
	}
}

func TestCheckTransitionOrdering(t *testing.T) {
	// A skip attempt with a malformed review reports the sequence problem,
	// not the payload problem.
	s := stateAt(2)
	bad := review(domain.OutcomeApproved)
	bad.Signature = ""
	err := s.CheckTransition(5, bad)
	var se gate.SequenceError
	if !errors.As(err, &se) {
		t.Fatalf("want SequenceError first, got %v", err)
	}
	// Same malformed review on the active phase reports the payload problem.
	err = s.CheckTransition(2, bad)
	var ive gate.InvalidReviewError
	if !errors.As(err, &ive) {
		t.Fatalf("want InvalidReviewError, got %v", err)
	}
}

func TestNextOrdinal(t *testing.T) {
	for from := 1; from < gate.PhaseCount; from++ {
		if got := gate.NextOrdinal(from); got != from+1 {
			t.Fatalf("NextOrdinal(%d) = %d", from, got)
		}
	}
	if got := gate.NextOrdinal(gate.PhaseCount); got != 0 {
		t.Fatalf("NextOrdinal(last) = %d, want 0", got)
	}
}

func TestSequenceErrorMessage(t *testing.T) {
	msg := gate.SequenceError{Claimed: 4, Active: 2}.Error()
	if msg != fmt.Sprintf("phase %d is not active; phase %d is", 4, 2) {
		t.Fatalf("unexpected message %q", msg)
	}
}
