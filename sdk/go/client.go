package dispolinesdk

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

// Client is a minimal Dispoline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string     `json:"id"`
	Workflow       string     `json:"workflow"`
	Status         string     `json:"status"`
	Title          string     `json:"title"`
	AssignedTo     *string    `json:"assigned_to,omitempty"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	DedupKey       *string    `json:"dedup_key,omitempty"`
	ScheduleID     *string    `json:"schedule_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Schedule represents a recurring task rule (partial).
type Schedule struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	RuleType  string `json:"rule_type"`
	TimeLocal string `json:"time_local"`
	Weekdays  []int  `json:"weekdays,omitempty"`
	Timezone  string `json:"timezone"`
	IsActive  bool   `json:"is_active"`
}

// NewSchedule is the create payload for a schedule.
type NewSchedule struct {
	Title           string `json:"title"`
	RuleType        string `json:"rule_type"`
	TimeLocal       string `json:"time_local"`
	Workflow        string `json:"workflow,omitempty"`
	Weekdays        []int  `json:"weekdays,omitempty"`
	EveryNDays      *int   `json:"every_n_days,omitempty"`
	StartDate       string `json:"start_date,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	CreateDaysAhead *int   `json:"create_days_ahead,omitempty"`
	StandID         string `json:"stand_id,omitempty"`
}

// Occurrence is one previewed schedule firing.
type Occurrence struct {
	Date          string `json:"date"`
	ScheduledTime string `json:"scheduledTime"`
	DayOfWeek     int    `json:"dayOfWeek"`
}

// Event represents an audit entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Summary reports a generation pass.
type Summary struct {
	Created           int `json:"createdCount"`
	Skipped           int `json:"skippedCount"`
	CancelledPrevious int `json:"cancelledPreviousCount"`
	Errored           int `json:"erroredCount"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateManualTask files a one-off task.
func (c *Client) CreateManualTask(ctx context.Context, title, workflow string) (Task, error) {
	body := map[string]any{"title": title}
	if workflow != "" {
		body["workflow"] = workflow
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/manual", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TasksPage lists tasks filtered by status.
func (c *Client) TasksPage(ctx context.Context, status string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// Transition moves a task to status, claiming it for the caller if needed.
func (c *Client) Transition(ctx context.Context, id, status string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/transition", map[string]any{"status": status}, &resp)
	return resp.Task, err
}

// Claim leases a task to the caller.
func (c *Client) Claim(ctx context.Context, id string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/claim", nil, &resp)
	return resp.Task, err
}

// Release returns the caller's lease.
func (c *Client) Release(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/release", nil, &resp)
	return resp, err
}

// Handover passes lease and assignment to another actor.
func (c *Client) Handover(ctx context.Context, id, toActorID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/handover", map[string]any{"to_actor_id": toActorID}, &resp)
	return resp, err
}

// TaskEvents returns a page of a task's audit trail, newest first.
func (c *Client) TaskEvents(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("tasks/"+url.PathEscape(id)+"/events", q), nil, &resp)
	return resp, err
}

// CreateSchedule creates a recurring rule.
func (c *Client) CreateSchedule(ctx context.Context, s NewSchedule) (Schedule, error) {
	var resp Schedule
	err := c.do(ctx, http.MethodPost, "schedules", s, &resp)
	return resp, err
}

// PreviewSchedule lists upcoming occurrences without creating tasks.
func (c *Client) PreviewSchedule(ctx context.Context, id string, days int) ([]Occurrence, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", fmt.Sprint(days))
	}
	var resp struct {
		Occurrences []Occurrence `json:"occurrences"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("schedules/"+url.PathEscape(id)+"/preview", q), nil, &resp)
	return resp.Occurrences, err
}

// RunSchedule creates today's occurrence of a schedule now.
func (c *Client) RunSchedule(ctx context.Context, id string) (Task, error) {
	var resp struct {
		TasksCreated int   `json:"tasksCreated"`
		Task         *Task `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, "schedules/"+url.PathEscape(id)+"/run", nil, &resp); err != nil {
		return Task{}, err
	}
	if resp.Task == nil {
		return Task{}, nil
	}
	return *resp.Task, nil
}

// RunGenerator triggers a generation pass.
func (c *Client) RunGenerator(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodPost, "generator/run", nil, &resp)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
