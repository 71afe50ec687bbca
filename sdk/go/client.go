package sprintlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Sprintline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Sprint represents the API sprint model.
type Sprint struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	BoardID   string `json:"board_id"`
	StartedAt string `json:"started_at"`
	EndsAt    string `json:"ends_at"`
	ClosedAt  string `json:"closed_at"`
}

// Ticket represents one sprint ticket.
type Ticket struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Stage       string   `json:"stage"`
	AgeDays     int      `json:"age_days"`
	IsNew       bool     `json:"is_new"`
	IsGoal      bool     `json:"is_goal"`
	IsBlocked   bool     `json:"is_blocked"`
	MissingInfo []string `json:"missing_info,omitempty"`
}

// SprintStatus pairs the active sprint with its tickets.
type SprintStatus struct {
	Sprint  Sprint   `json:"sprint"`
	Tickets []Ticket `json:"tickets"`
}

// Metrics represents derived sprint figures.
type Metrics struct {
	CompletionPct  float64 `json:"completion_pct"`
	Velocity       float64 `json:"velocity"`
	ScopeGrowthPct float64 `json:"scope_growth_pct"`
	Trend          string  `json:"trend"`
	CommittedCount int     `json:"committed_count"`
	CompletedCount int     `json:"completed_count"`
	ScopeAdded     int     `json:"scope_added"`
}

// SprintRecord represents one closed sprint.
type SprintRecord struct {
	SprintID        string  `json:"sprint_id"`
	Name            string  `json:"name"`
	StartedAt       string  `json:"started_at"`
	ClosedAt        string  `json:"closed_at"`
	CompletionPct   float64 `json:"completion_pct"`
	CommittedCount  int     `json:"committed_count"`
	CompletedCount  int     `json:"completed_count"`
	ScopeAddedCount int     `json:"scope_added_count"`
}

// StageTransition represents one ticket moving between stages.
type StageTransition struct {
	TicketID string `json:"ticket_id"`
	Title    string `json:"title"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// SprintDelta represents the changes one ingestion observed.
type SprintDelta struct {
	SprintID    string            `json:"sprint_id"`
	Added       []Ticket          `json:"added,omitempty"`
	Transitions []StageTransition `json:"transitions,omitempty"`
	Removed     []string          `json:"removed,omitempty"`
	Blocked     []string          `json:"blocked,omitempty"`
	Unblocked   []string          `json:"unblocked,omitempty"`
	Tickets     []Ticket          `json:"tickets"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SprintID   string `json:"sprint_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SprintStatus returns the active sprint and its tickets.
func (c *Client) SprintStatus(ctx context.Context) (SprintStatus, error) {
	var resp SprintStatus
	err := c.do(ctx, http.MethodGet, "v0/sprint", nil, &resp)
	return resp, err
}

// SprintMetrics returns derived figures for the active sprint.
func (c *Client) SprintMetrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "v0/sprint/metrics", nil, &resp)
	return resp, err
}

// History returns closed sprint records, most recent first.
func (c *Client) History(ctx context.Context, limit int) ([]SprintRecord, error) {
	endpoint := "v0/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []SprintRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, n int) ([]Event, error) {
	endpoint := "v0/events"
	if n > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, n)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ingest triggers a board snapshot ingestion and returns the delta.
func (c *Client) Ingest(ctx context.Context) (SprintDelta, error) {
	var resp SprintDelta
	err := c.do(ctx, http.MethodPost, "v0/ingest", nil, &resp)
	return resp, err
}

// CloseSprint closes the active sprint and returns its record.
func (c *Client) CloseSprint(ctx context.Context) (SprintRecord, error) {
	var resp SprintRecord
	err := c.do(ctx, http.MethodPost, "v0/sprint/close", nil, &resp)
	return resp, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
