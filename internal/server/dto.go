package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/gate"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

// SubmitReviewRequest fields are schema-optional; review completeness is
// checked by the state machine, which reports invalid_review.
type SubmitReviewRequest struct {
	ReviewerID string `json:"reviewer_id,omitempty"`
	Outcome    string `json:"outcome,omitempty" enum:",approved,rejected"`
	Signature  string `json:"signature,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	Ordinal     int     `json:"ordinal"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"not_started,active,completed,blocked"`
	IsGate      bool    `json:"is_gate"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// PhaseStateResponse is the getState view: the ordered sequence plus the
// single active ordinal (0 when terminal).
type PhaseStateResponse struct {
	ProjectID     string          `json:"project_id"`
	Phases        []PhaseResponse `json:"phases"`
	ActiveOrdinal int             `json:"active_ordinal"`
	Completed     bool            `json:"completed"`
}

type ReviewResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Ordinal    int    `json:"ordinal"`
	PhaseName  string `json:"phase_name,omitempty"`
	ReviewerID string `json:"reviewer_id"`
	Outcome    string `json:"outcome" enum:"approved,rejected"`
	Signature  string `json:"signature"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

// TransitionResponse reports the recorded review and the resulting state.
type TransitionResponse struct {
	Review       ReviewResponse     `json:"review"`
	Transitioned bool               `json:"transitioned"`
	State        PhaseStateResponse `json:"state"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ProjectConfigResponse struct {
	ProjectID         string                      `json:"project_id"`
	Kind              string                      `json:"kind"`
	Gates             map[string]config.PhaseGate `json:"gates,omitempty"`
	Roles             map[string]config.RBACRole  `json:"roles,omitempty"`
	ReviewAuthorities map[string][]string         `json:"review_authorities,omitempty"`
	Webhooks          []config.WebhookConfig      `json:"webhooks,omitempty"`
}

type MeResponse struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	Roles        []string `json:"roles,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	ReviewPhases []string `json:"review_phases,omitempty"`
}

type paginatedReviews struct {
	Items      []ReviewResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mappers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := []ProjectResponse{}
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func phaseResponse(p domain.Phase) PhaseResponse {
	return PhaseResponse{
		Ordinal:     p.Ordinal,
		Name:        p.Name,
		Status:      string(p.Status),
		IsGate:      p.IsGate,
		CompletedAt: p.CompletedAt,
	}
}

func stateResponse(projectID string, s gate.State) PhaseStateResponse {
	resp := PhaseStateResponse{
		ProjectID:     projectID,
		Phases:        []PhaseResponse{},
		ActiveOrdinal: s.ActiveOrdinal(),
		Completed:     s.Terminal(),
	}
	for _, p := range s.Phases {
		resp.Phases = append(resp.Phases, phaseResponse(p))
	}
	return resp
}

func reviewResponse(rv domain.PhaseReview) ReviewResponse {
	name, _ := gate.Name(rv.Ordinal)
	return ReviewResponse{
		ID:         rv.ID,
		ProjectID:  rv.ProjectID,
		Ordinal:    rv.Ordinal,
		PhaseName:  name,
		ReviewerID: rv.ReviewerID,
		Outcome:    string(rv.Outcome),
		Signature:  rv.Signature,
		Comment:    rv.Comment,
		TS:         rv.TS,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	return ProjectConfigResponse{
		ProjectID:         cfg.Project.ID,
		Kind:              cfg.Project.Kind,
		Gates:             cfg.Gates.Phases,
		Roles:             cfg.RBAC.Roles,
		ReviewAuthorities: cfg.RBAC.ReviewAuthorities,
		Webhooks:          cfg.Webhooks,
	}
}

// Cursor helpers

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return parts[0], parts[1], nil
}
