package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Phase is one entry of the six-phase sequence.
type Phase struct {
	Ordinal     int    `json:"ordinal"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	IsGate      bool   `json:"is_gate"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// PhaseState is the full sequence view with the active ordinal.
type PhaseState struct {
	ProjectID     string  `json:"project_id"`
	Phases        []Phase `json:"phases"`
	ActiveOrdinal int     `json:"active_ordinal"`
	Completed     bool    `json:"completed"`
}

// Review is a signed gate review record.
type Review struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Ordinal    int    `json:"ordinal"`
	PhaseName  string `json:"phase_name"`
	ReviewerID string `json:"reviewer_id"`
	Outcome    string `json:"outcome"`
	Signature  string `json:"signature"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts"`
}

// Transition reports a review submission and the resulting state.
type Transition struct {
	Review       Review     `json:"review"`
	Transitioned bool       `json:"transitioned"`
	State        PhaseState `json:"state"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedReviews wraps review listings with cursors.
type PaginatedReviews struct {
	Items      []Review `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// State returns the project's phase sequence.
func (c *Client) State(ctx context.Context) (PhaseState, error) {
	var resp PhaseState
	err := c.do(ctx, http.MethodGet, c.projectPath("phases"), nil, &resp)
	return resp, err
}

// SubmitReview records a gate review against the phase at ordinal. An
// approved review completes the phase; a rejected one leaves it active.
func (c *Client) SubmitReview(ctx context.Context, ordinal int, reviewerID, outcome, signature, comment string) (Transition, error) {
	body := map[string]any{
		"reviewer_id": reviewerID,
		"outcome":     outcome,
		"signature":   signature,
		"comment":     comment,
	}
	var resp Transition
	endpoint := c.projectPath(fmt.Sprintf("phases/%d/reviews", ordinal))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Approve is shorthand for an approved SubmitReview.
func (c *Client) Approve(ctx context.Context, ordinal int, reviewerID, signature string) (Transition, error) {
	return c.SubmitReview(ctx, ordinal, reviewerID, "approved", signature, "")
}

// Reject is shorthand for a rejected SubmitReview.
func (c *Client) Reject(ctx context.Context, ordinal int, reviewerID, signature, comment string) (Transition, error) {
	return c.SubmitReview(ctx, ordinal, reviewerID, "rejected", signature, comment)
}

// Reviews returns recent gate reviews.
func (c *Client) Reviews(ctx context.Context, limit int) ([]Review, error) {
	page, err := c.ReviewsPage(ctx, limit, "")
	return page.Items, err
}

// ReviewsPage returns a paginated review listing.
func (c *Client) ReviewsPage(ctx context.Context, limit int, cursor string) (PaginatedReviews, error) {
	endpoint := c.projectPath("reviews")
	endpoint = withPageParams(endpoint, limit, cursor)
	var resp PaginatedReviews
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	endpoint = withPageParams(endpoint, limit, cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func withPageParams(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
