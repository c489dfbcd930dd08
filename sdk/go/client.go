package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL   string
	BasePath  string
	ProjectID string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v0",
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Entity is a lead or a task as returned by the API.
type Entity struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	ProjectID   string         `json:"project_id"`
	StageID     string         `json:"stage_id"`
	OwnerID     *string        `json:"owner_id,omitempty"`
	Name        string         `json:"name"`
	Company     string         `json:"company,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Value       *float64       `json:"value,omitempty"`
	NextAction  string         `json:"next_action,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	DueDate     *string        `json:"due_date,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type Lead struct {
	StageID    string         `json:"stage_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Company    string         `json:"company,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	NextAction string         `json:"next_action,omitempty"`
	DueDate    string         `json:"due_date,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type Task struct {
	StageID  string `json:"stage_id,omitempty"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Priority *int   `json:"priority,omitempty"`
	DueDate  string `json:"due_date,omitempty"`
	OwnerID  string `json:"owner_id,omitempty"`
}

type Feedback struct {
	Result     string `json:"result"`
	Difficulty int    `json:"difficulty"`
	Insights   string `json:"insights,omitempty"`
	Learning   string `json:"learning,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

// MoveResult reports whether a move was committed or was a no-op.
type MoveResult struct {
	Outcome string `json:"outcome"`
	Entity  Entity `json:"entity"`
}

type Transition struct {
	ID          string `json:"id"`
	EntityID    string `json:"entity_id"`
	FromStageID string `json:"from_stage_id"`
	ToStageID   string `json:"to_stage_id"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at"`
}

type Total struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// Board is the list projection of a board with per-stage totals.
type Board struct {
	View   string           `json:"view"`
	Totals map[string]Total `json:"totals"`
	Items  []Entity         `json:"items"`
}

type Capacity struct {
	ProjectID string `json:"project_id"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	OK        bool   `json:"ok"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateProject(ctx context.Context, id, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"id": id, "name": name}, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) CreateLead(ctx context.Context, lead Lead) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.projectPath("leads"), lead, &resp)
	return resp, err
}

// Leads returns the project leads matching q, newest first.
func (c *Client) Leads(ctx context.Context, q string) (Board, error) {
	return c.board(ctx, "leads", q)
}

func (c *Client) CreateTask(ctx context.Context, task Task) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), task, &resp)
	return resp, err
}

func (c *Client) Tasks(ctx context.Context, q string) (Board, error) {
	return c.board(ctx, "tasks", q)
}

func (c *Client) board(ctx context.Context, board, q string) (Board, error) {
	params := url.Values{"view": {"list"}}
	if q != "" {
		params.Set("q", q)
	}
	var resp Board
	err := c.do(ctx, http.MethodGet, c.projectPath(board)+"?"+params.Encode(), nil, &resp)
	return resp, err
}

// MoveLead moves a lead to toStageID. An empty fromStageID means its current stage.
func (c *Client) MoveLead(ctx context.Context, id, fromStageID, toStageID string) (MoveResult, error) {
	return c.move(ctx, "leads", id, fromStageID, toStageID)
}

func (c *Client) MoveTask(ctx context.Context, id, fromStageID, toStageID string) (MoveResult, error) {
	return c.move(ctx, "tasks", id, fromStageID, toStageID)
}

func (c *Client) move(ctx context.Context, board, id, from, to string) (MoveResult, error) {
	body := map[string]any{"to_stage_id": to}
	if from != "" {
		body["from_stage_id"] = from
	}
	var resp MoveResult
	endpoint := c.projectPath(fmt.Sprintf("%s/%s/move", board, url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteTask toggles completion of a task. Feedback may be nil.
func (c *Client) CompleteTask(ctx context.Context, id string, fb *Feedback) (MoveResult, error) {
	body := map[string]any{}
	if fb != nil {
		body["feedback"] = fb
	}
	var resp MoveResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/complete", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("tasks/"+url.PathEscape(id)), nil, nil)
}

func (c *Client) LeadHistory(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	endpoint := c.projectPath(fmt.Sprintf("leads/%s/history", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Capacity(ctx context.Context) (Capacity, error) {
	var resp Capacity
	err := c.do(ctx, http.MethodGet, c.projectPath("capacity"), nil, &resp)
	return resp, err
}

// Activity returns recent project events.
func (c *Client) Activity(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("activity")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
