package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/gate"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// single connection so concurrent transactions queue instead of
	// failing with SQLITE_BUSY
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test device", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func approve(t *testing.T, env testEnv, ordinal int) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
		ProjectID:   "proj-1",
		FromOrdinal: ordinal,
		ReviewerID:  "alice",
		Outcome:     domain.OutcomeApproved,
		Signature:   "alice/approved",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("approve phase %d: %v", ordinal, err)
	}
	return res
}

func TestInitProjectSeedsSequence(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got := state.ActiveOrdinal(); got != 1 {
		t.Fatalf("fresh project active ordinal = %d, want 1", got)
	}
	if state.Phases[0].Name != "Planning" || state.Phases[5].Name != "Transfer" {
		t.Fatalf("unexpected phase names: %q .. %q", state.Phases[0].Name, state.Phases[5].Name)
	}
	for i := 1; i < gate.PhaseCount; i++ {
		if state.Phases[i].Status != domain.PhaseNotStarted {
			t.Fatalf("phase %d status = %s, want not_started", i+1, state.Phases[i].Status)
		}
	}
	if state.Terminal() {
		t.Fatal("fresh project should not be terminal")
	}
}

func TestApprovedReviewAdvancesPhase(t *testing.T) {
	env := newTestEnv(t)
	res := approve(t, env, 1)
	if !res.Transitioned {
		t.Fatal("approved review should transition")
	}
	if got := res.State.ActiveOrdinal(); got != 2 {
		t.Fatalf("active ordinal after approval = %d, want 2", got)
	}
	if res.State.Phases[0].Status != domain.PhaseCompleted {
		t.Fatalf("phase 1 status = %s, want completed", res.State.Phases[0].Status)
	}
	if res.State.Phases[0].CompletedAt == nil {
		t.Fatal("phase 1 should have completed_at")
	}
	if res.Review.Outcome != domain.OutcomeApproved || res.Review.Ordinal != 1 {
		t.Fatalf("unexpected review record: %+v", res.Review)
	}
}

func TestRejectedReviewKeepsPhaseActive(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
		ProjectID:   "proj-1",
		FromOrdinal: 1,
		ReviewerID:  "alice",
		Outcome:     domain.OutcomeRejected,
		Signature:   "alice/rejected",
		Comment:     "plan incomplete",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Transitioned {
		t.Fatal("rejected review must not transition")
	}
	if got := res.State.ActiveOrdinal(); got != 1 {
		t.Fatalf("active ordinal after rejection = %d, want 1", got)
	}
	// The rejection is recorded and the phase can still be approved later.
	reviews, err := env.Engine.ListReviews(env.Ctx, repo.ReviewFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].Outcome != domain.OutcomeRejected {
		t.Fatalf("unexpected review history: %+v", reviews)
	}
	res = approve(t, env, 1)
	if res.State.ActiveOrdinal() != 2 {
		t.Fatal("approval after rejection should advance")
	}
}

func TestSkipAttemptFailsAndLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	approve(t, env, 1) // active is now 2
	_, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
		ProjectID:   "proj-1",
		FromOrdinal: 4,
		ReviewerID:  "alice",
		Outcome:     domain.OutcomeApproved,
		Signature:   "alice/approved",
		ActorID:     "tester",
	})
	var se gate.SequenceError
	if !errors.As(err, &se) {
		t.Fatalf("want SequenceError, got %v", err)
	}
	if se.Claimed != 4 || se.Active != 2 {
		t.Fatalf("unexpected SequenceError %+v", se)
	}
	state, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got := state.ActiveOrdinal(); got != 2 {
		t.Fatalf("state changed after failed skip: active = %d", got)
	}
	// the failed attempt must not leave a review behind
	reviews, err := env.Engine.ListReviews(env.Ctx, repo.ReviewFilters{ProjectID: "proj-1", Ordinal: 4})
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 0 {
		t.Fatalf("failed transition recorded a review: %+v", reviews)
	}
}

func TestFullRunToTerminal(t *testing.T) {
	env := newTestEnv(t)
	for ordinal := 1; ordinal <= gate.PhaseCount; ordinal++ {
		res := approve(t, env, ordinal)
		if ordinal < gate.PhaseCount && res.State.ActiveOrdinal() != ordinal+1 {
			t.Fatalf("after approving %d active = %d", ordinal, res.State.ActiveOrdinal())
		}
	}
	state, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.Terminal() || state.ActiveOrdinal() != 0 {
		t.Fatal("project should be terminal after approving all six gates")
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Status != "completed" {
		t.Fatalf("project status = %s, want completed", p.Status)
	}
	// further attempts hit the terminal guard
	_, err = env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
		ProjectID:   "proj-1",
		FromOrdinal: 6,
		ReviewerID:  "alice",
		Outcome:     domain.OutcomeApproved,
		Signature:   "alice/approved",
		ActorID:     "tester",
	})
	var te gate.TerminalError
	if !errors.As(err, &te) {
		t.Fatalf("want TerminalError, got %v", err)
	}
}

func TestInvalidReviewRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
		ProjectID:   "proj-1",
		FromOrdinal: 1,
		ReviewerID:  "alice",
		Outcome:     domain.OutcomeApproved,
		ActorID:     "tester",
		// no signature
	})
	var ive gate.InvalidReviewError
	if !errors.As(err, &ive) {
		t.Fatalf("want InvalidReviewError, got %v", err)
	}
	state, _ := env.Engine.GetState(env.Ctx, "proj-1")
	if state.ActiveOrdinal() != 1 {
		t.Fatal("invalid review must not advance the phase")
	}
}

func TestMonotonicProgress(t *testing.T) {
	env := newTestEnv(t)
	approve(t, env, 1)
	approve(t, env, 2)
	// a stale client re-submitting phase 1 cannot move anything backward
	_, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
		ProjectID:   "proj-1",
		FromOrdinal: 1,
		ReviewerID:  "alice",
		Outcome:     domain.OutcomeApproved,
		Signature:   "alice/approved",
		ActorID:     "tester",
	})
	var se gate.SequenceError
	if !errors.As(err, &se) {
		t.Fatalf("want SequenceError, got %v", err)
	}
	state, _ := env.Engine.GetState(env.Ctx, "proj-1")
	if state.Phases[0].Status != domain.PhaseCompleted || state.Phases[1].Status != domain.PhaseCompleted {
		t.Fatal("completed phases must stay completed")
	}
	if state.ActiveOrdinal() != 3 {
		t.Fatalf("active = %d, want 3", state.ActiveOrdinal())
	}
}

func TestConcurrentApprovalsOneWins(t *testing.T) {
	env := newTestEnv(t)
	type result struct {
		res engine.TransitionResult
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			res, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{
				ProjectID:   "proj-1",
				FromOrdinal: 1,
				ReviewerID:  "alice",
				Outcome:     domain.OutcomeApproved,
				Signature:   "alice/approved",
				ActorID:     "tester",
			})
			results <- result{res, err}
		}(i)
	}
	var wins, losses int
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			wins++
			continue
		}
		var se gate.SequenceError
		if errors.As(r.err, &se) {
			losses++
		} else {
			t.Fatalf("unexpected error: %v", r.err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}
	state, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ActiveOrdinal() != 2 {
		t.Fatalf("active = %d, want 2 (single transition)", state.ActiveOrdinal())
	}
	reviews, err := env.Engine.ListReviews(env.Ctx, repo.ReviewFilters{ProjectID: "proj-1", Ordinal: 1})
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("recorded %d reviews for phase 1, want 1", len(reviews))
	}
}

func TestEventsAppended(t *testing.T) {
	env := newTestEnv(t)
	approve(t, env, 1)
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"project.init", "phase.review.recorded", "phase.completed", "phase.activated"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestProjectCompletedEvent(t *testing.T) {
	env := newTestEnv(t)
	for ordinal := 1; ordinal <= gate.PhaseCount; ordinal++ {
		approve(t, env, ordinal)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "proj-1", "project.completed", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("project.completed events = %d, want 1", len(events))
	}
}

func TestWhoAmIAndRoles(t *testing.T) {
	env := newTestEnv(t)
	who, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) == 0 || who.Roles[0] != "owner" {
		t.Fatalf("creator roles = %v, want owner", who.Roles)
	}
	if len(who.ReviewPhases) != gate.PhaseCount {
		t.Fatalf("owner review phases = %v, want all six", who.ReviewPhases)
	}
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "tester", "bob", "engineer"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	whoBob, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "bob")
	if err != nil {
		t.Fatalf("whoami bob: %v", err)
	}
	if len(whoBob.Roles) != 1 || whoBob.Roles[0] != "engineer" {
		t.Fatalf("bob roles = %v", whoBob.Roles)
	}
	if len(whoBob.ReviewPhases) != 0 {
		t.Fatalf("engineer should have no review phases, got %v", whoBob.ReviewPhases)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "proj-1", "tester", "bob", "engineer"); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
}
