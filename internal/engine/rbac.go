package engine

import (
	"context"
	"errors"
	"time"

	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/gate"
)

// WhoAmIResult describes an actor's standing in a project.
type WhoAmIResult struct {
	ActorID      string
	Roles        []string
	Permissions  []string
	ReviewPhases []string
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmIResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WhoAmIResult{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	phases, err := e.Auth.ActorReviewPhases(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	return WhoAmIResult{
		ActorID:      actorID,
		Roles:        roles,
		Permissions:  perms,
		ReviewPhases: phases,
	}, nil
}

// GrantRole assigns roleID to targetActorID in projectID. The caller must
// hold rbac.manage.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, targetActorID, roleID string) error {
	if targetActorID == "" || roleID == "" {
		return errors.New("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	allowed, err := e.Auth.ActorHasPermission(ctx, tx, projectID, actorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, targetActorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "rbac.role.granted",
		ProjectID:  projectID,
		EntityKind: "rbac",
		EntityID:   targetActorID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"role_id": roleID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, targetActorID, roleID string) error {
	if targetActorID == "" || roleID == "" {
		return errors.New("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	allowed, err := e.Auth.ActorHasPermission(ctx, tx, projectID, actorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if err := e.Repo.RevokeRole(ctx, tx, projectID, targetActorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "rbac.role.revoked",
		ProjectID:  projectID,
		EntityKind: "rbac",
		EntityID:   targetActorID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"role_id": roleID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AllowReviewRole lets roleID sign gate reviews for phaseName in projectID.
func (e Engine) AllowReviewRole(ctx context.Context, projectID, actorID, phaseName, roleID string) error {
	if phaseName == "" || roleID == "" {
		return errors.New("phase and role_id are required")
	}
	if !gate.KnownPhase(phaseName) {
		return gate.InvalidReviewError{Reason: "unknown phase " + phaseName}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	allowed, err := e.Auth.ActorHasPermission(ctx, tx, projectID, actorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if err := e.Repo.AllowReviewRole(ctx, tx, projectID, phaseName, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "rbac.review_authority.allowed",
		ProjectID:  projectID,
		EntityKind: "rbac",
		EntityID:   roleID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"phase": phaseName, "role_id": roleID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DenyReviewRole(ctx context.Context, projectID, actorID, phaseName, roleID string) error {
	if phaseName == "" || roleID == "" {
		return errors.New("phase and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	allowed, err := e.Auth.ActorHasPermission(ctx, tx, projectID, actorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if err := e.Repo.DenyReviewRole(ctx, tx, projectID, phaseName, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "rbac.review_authority.denied",
		ProjectID:  projectID,
		EntityKind: "rbac",
		EntityID:   roleID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"phase": phaseName, "role_id": roleID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
