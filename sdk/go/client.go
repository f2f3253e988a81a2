package diveopssdk

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

// Client is a minimal diveops HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// ValidationResult is the compliance verdict for an operation.
type ValidationResult struct {
	IsValid          bool     `json:"isValid"`
	HPTStatus        string   `json:"hptStatus"`
	AnexoBravoStatus string   `json:"anexoBravoStatus"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

type ItemResult struct {
	InmersionID      string `json:"inmersion_id"`
	Codigo           string `json:"codigo"`
	Status           string `json:"status"`
	NotificationSent bool   `json:"notification_sent"`
	Error            string `json:"error,omitempty"`
}

// RunSummary is returned by the lifecycle job endpoint.
type RunSummary struct {
	Success              bool         `json:"success"`
	Processed            int          `json:"processed"`
	Results              []ItemResult `json:"results"`
	Timestamp            string       `json:"timestamp"`
	RemindersSent        int          `json:"reminders_sent"`
	CascadeNotifications int          `json:"cascade_notifications"`
	Failed               int          `json:"failed"`
}

type TeamMember struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// CreateImmersion is the request body for scheduling a dive.
type CreateImmersion struct {
	ID               string       `json:"id,omitempty"`
	Codigo           string       `json:"codigo"`
	CompanyID        string       `json:"company_id,omitempty"`
	OperacionID      string       `json:"operacion_id,omitempty"`
	EstimatedEndTime time.Time    `json:"estimated_end_time"`
	SupervisorID     string       `json:"supervisor_id,omitempty"`
	Team             []TeamMember `json:"team,omitempty"`
}

// Immersion represents the API immersion model (partial).
type Immersion struct {
	ID               string  `json:"id"`
	Codigo           string  `json:"codigo"`
	CompanyID        string  `json:"company_id"`
	OperacionID      *string `json:"operacion_id,omitempty"`
	Estado           string  `json:"estado"`
	EstimatedEndTime string  `json:"estimated_end_time"`
	ActualEndTime    *string `json:"actual_end_time,omitempty"`
	SupervisorID     *string `json:"supervisor_id,omitempty"`
}

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	ReadAt    *string        `json:"read_at,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Validate fetches the compliance verdict for an operation.
func (c *Client) Validate(ctx context.Context, operationID string) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("operations/%s/validation", url.PathEscape(operationID)), nil, &resp)
	return resp, err
}

// RunLifecycleJob triggers one scheduler pass, the way an external cron would.
func (c *Client) RunLifecycleJob(ctx context.Context) (RunSummary, error) {
	var resp RunSummary
	err := c.do(ctx, http.MethodPost, "jobs/immersion-lifecycle", nil, &resp)
	return resp, err
}

func (c *Client) CreateImmersion(ctx context.Context, req CreateImmersion) (Immersion, error) {
	var resp Immersion
	err := c.do(ctx, http.MethodPost, "immersions", req, &resp)
	return resp, err
}

// Notifications lists a user's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	endpoint := fmt.Sprintf("users/%s/notifications", url.PathEscape(userID))
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
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
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
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
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
