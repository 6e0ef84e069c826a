package domain

// PhaseStatus is the closed set of per-phase states.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseActive     PhaseStatus = "active"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseBlocked    PhaseStatus = "blocked"
)

// ReviewOutcome is the closed set of review decisions.
type ReviewOutcome string

const (
	OutcomeApproved ReviewOutcome = "approved"
	OutcomeRejected ReviewOutcome = "rejected"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status" enum:"active,on_hold,completed,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Phase is one row of a project's six-phase design-control sequence.
// Ordinal is immutable; status changes only through the transition operation.
type Phase struct {
	ProjectID   string      `json:"project_id"`
	Ordinal     int         `json:"ordinal" minimum:"1" maximum:"6"`
	Name        string      `json:"name"`
	Status      PhaseStatus `json:"status" enum:"not_started,active,completed,blocked"`
	IsGate      bool        `json:"is_gate"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
}

// PhaseReview is an append-only approval record. Immutable once written.
type PhaseReview struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Ordinal    int           `json:"ordinal"`
	ReviewerID string        `json:"reviewer_id"`
	Outcome    ReviewOutcome `json:"outcome" enum:"approved,rejected"`
	Signature  string        `json:"signature"`
	Comment    string        `json:"comment,omitempty"`
	TS         string        `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
