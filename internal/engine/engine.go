package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/gate"
	"phaseline/internal/repo"
)

// Engine owns the transactional read-modify-write around the phase gate.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a design project with its six-phase sequence: phase 1
// active, phases 2-6 not started. The phase rows, project config, RBAC seed,
// and the init event commit together.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, errors.New("project id required")
	}
	cfg := e.Config
	if cfg == nil || cfg.Project.ID != projectID {
		cfg = config.Default(projectID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		Kind:        "design-control",
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for i, name := range gate.PhaseNames {
		ph := domain.Phase{
			ProjectID: projectID,
			Ordinal:   i + 1,
			Name:      name,
			Status:    domain.PhaseNotStarted,
			IsGate:    cfg.IsGate(name),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if i == 0 {
			ph.Status = domain.PhaseActive
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			return domain.Project{}, fmt.Errorf("insert phase %d: %w", ph.Ordinal, err)
		}
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.seedRBACTx(ctx, tx, projectID, actorID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("seed rbac: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "project.init",
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"status": p.Status, "active_phase": 1},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// seedRBACTx materializes the config's roles, permissions, and per-phase
// review authorities, and grants the creating actor the owner role.
func (e Engine) seedRBACTx(ctx context.Context, tx *sql.Tx, projectID, actorID string, cfg *config.Config) error {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	for phaseName, roles := range cfg.RBAC.ReviewAuthorities {
		for _, roleID := range roles {
			if err := e.Repo.AllowReviewRole(ctx, tx, projectID, phaseName, roleID); err != nil {
				return err
			}
		}
	}
	if len(cfg.RBAC.Roles) > 0 {
		if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, "owner"); err != nil {
			return err
		}
	}
	return nil
}

// GetState loads the project's phase sequence. No side effects.
func (e Engine) GetState(ctx context.Context, projectID string) (gate.State, error) {
	phases, err := e.Repo.ListPhases(ctx, projectID)
	if err != nil {
		return gate.State{}, err
	}
	return stateFromPhases(projectID, phases)
}

func stateFromPhases(projectID string, phases []domain.Phase) (gate.State, error) {
	if len(phases) == 0 {
		return gate.State{}, repo.ErrNotFound
	}
	if len(phases) != gate.PhaseCount {
		return gate.State{}, fmt.Errorf("project %s has %d phases, want %d", projectID, len(phases), gate.PhaseCount)
	}
	var s gate.State
	copy(s.Phases[:], phases)
	if err := s.Validate(); err != nil {
		return gate.State{}, fmt.Errorf("project %s phase state: %w", projectID, err)
	}
	return s, nil
}

// TransitionOptions are parameters for a transition request.
type TransitionOptions struct {
	ProjectID   string
	FromOrdinal int
	ReviewerID  string
	Outcome     domain.ReviewOutcome
	Signature   string
	Comment     string
	ActorID     string
}

// TransitionResult reports the recorded review and the state after commit.
type TransitionResult struct {
	Review       domain.PhaseReview
	State        gate.State
	Transitioned bool
}

// RequestTransition records a review against the active phase. An approved
// review completes the phase and activates the next one; a rejected review
// only grows the history. The status-guarded update serializes concurrent
// requests: for two simultaneous approvals of the same phase exactly one
// commits, the other fails with gate.SequenceError.
func (e Engine) RequestTransition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	rv := domain.PhaseReview{
		ID:         uuid.New().String(),
		ProjectID:  opts.ProjectID,
		Ordinal:    opts.FromOrdinal,
		ReviewerID: opts.ReviewerID,
		Outcome:    opts.Outcome,
		Signature:  opts.Signature,
		Comment:    opts.Comment,
		TS:         e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	phases, err := e.Repo.ListPhasesTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	state, err := stateFromPhases(opts.ProjectID, phases)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := state.CheckTransition(opts.FromOrdinal, rv); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
		return TransitionResult{}, fmt.Errorf("insert review: %w", err)
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = opts.ReviewerID
	}
	phaseName := state.Phases[opts.FromOrdinal-1].Name
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "phase.review.recorded",
		ProjectID:  opts.ProjectID,
		EntityKind: "phase",
		EntityID:   fmt.Sprintf("%d", opts.FromOrdinal),
		ActorID:    actorID,
		Payload: events.EventPayload{
			"phase":       phaseName,
			"outcome":     string(rv.Outcome),
			"reviewer_id": rv.ReviewerID,
			"review_id":   rv.ID,
		},
	}); err != nil {
		return TransitionResult{}, err
	}

	res := TransitionResult{Review: rv}
	if rv.Outcome == domain.OutcomeApproved {
		now := e.now().UTC().Format(time.RFC3339)
		ok, err := e.Repo.CompleteActivePhaseTx(ctx, tx, opts.ProjectID, opts.FromOrdinal, now)
		if err != nil {
			return TransitionResult{}, err
		}
		if !ok {
			// Another transaction completed the phase first.
			return TransitionResult{}, gate.SequenceError{Claimed: opts.FromOrdinal, Active: 0}
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type:       "phase.completed",
			ProjectID:  opts.ProjectID,
			EntityKind: "phase",
			EntityID:   fmt.Sprintf("%d", opts.FromOrdinal),
			ActorID:    actorID,
			Payload:    events.EventPayload{"phase": phaseName, "review_id": rv.ID},
		}); err != nil {
			return TransitionResult{}, err
		}
		if next := gate.NextOrdinal(opts.FromOrdinal); next > 0 {
			ok, err := e.Repo.ActivatePhaseTx(ctx, tx, opts.ProjectID, next, now)
			if err != nil {
				return TransitionResult{}, err
			}
			if !ok {
				return TransitionResult{}, fmt.Errorf("phase %d of project %s not in not_started", next, opts.ProjectID)
			}
			nextName, _ := gate.Name(next)
			if err := e.Events.Append(ctx, tx, events.Entry{
				Type:       "phase.activated",
				ProjectID:  opts.ProjectID,
				EntityKind: "phase",
				EntityID:   fmt.Sprintf("%d", next),
				ActorID:    actorID,
				Payload:    events.EventPayload{"phase": nextName},
			}); err != nil {
				return TransitionResult{}, err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE projects SET status='completed' WHERE id=?`, opts.ProjectID); err != nil {
				return TransitionResult{}, err
			}
			if err := e.Events.Append(ctx, tx, events.Entry{
				Type:       "project.completed",
				ProjectID:  opts.ProjectID,
				EntityKind: "project",
				EntityID:   opts.ProjectID,
				ActorID:    actorID,
				Payload:    events.EventPayload{},
			}); err != nil {
				return TransitionResult{}, err
			}
		}
		res.Transitioned = true
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	after, err := e.GetState(ctx, opts.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	res.State = after
	return res, nil
}

// ListReviews returns the review history for a project, newest first.
func (e Engine) ListReviews(ctx context.Context, f repo.ReviewFilters) ([]domain.PhaseReview, error) {
	if f.ProjectID == "" {
		return nil, errors.New("project required")
	}
	return e.Repo.ListReviews(ctx, f)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
