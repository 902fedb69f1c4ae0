package dutylinesdk

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

// Client is a minimal Dutyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	ReferenceDate string `json:"reference_date"`
	TargetDate    string `json:"target_date"`
	DeadlineDate  string `json:"deadline_date"`
	StatusBucket  string `json:"status_bucket"`
}

// WorkItemDetail is a work item with its activity checklist.
type WorkItemDetail struct {
	WorkItem
	Activities      []Activity `json:"activities"`
	PendingCount    int        `json:"pending_count"`
	ReadyToConclude bool       `json:"ready_to_conclude"`
}

// Activity represents an activity model (partial).
type Activity struct {
	ID                 string  `json:"id"`
	WorkItemID         string  `json:"work_item_id"`
	Ordinal            int     `json:"ordinal"`
	Kind               string  `json:"kind"`
	Label              string  `json:"label"`
	CancellationPolicy string  `json:"cancellation_policy"`
	State              string  `json:"state"`
	AttachmentCount    int     `json:"attachment_count"`
	Receipt            *string `json:"receipt,omitempty"`
	Justification      *string `json:"justification,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorkItemID string         `json:"work_item_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
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

// PaginatedWorkItems wraps list responses with cursors.
type PaginatedWorkItems struct {
	Items      []WorkItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateWorkItem creates a work item. Target and deadline dates are derived
// server-side from the reference date and the day counts.
func (c *Client) CreateWorkItem(ctx context.Context, title, kind, referenceDate string, daysToTarget, daysToDeadline int, mode string) (WorkItem, error) {
	body := map[string]any{
		"title":            title,
		"kind":             kind,
		"reference_date":   referenceDate,
		"days_to_target":   daysToTarget,
		"days_to_deadline": daysToDeadline,
	}
	if mode != "" {
		body["day_count_mode"] = mode
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/work-items", body, &resp)
	return resp, err
}

// WorkItems returns a paginated work item listing.
func (c *Client) WorkItems(ctx context.Context, status, kind, bucket string, limit int, cursor string) (PaginatedWorkItems, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if bucket != "" {
		q.Set("bucket", bucket)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/work-items"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedWorkItems
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetWorkItem fetches a work item with its activities.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItemDetail, error) {
	var resp WorkItemDetail
	err := c.do(ctx, http.MethodGet, c.workItemPath(id, ""), nil, &resp)
	return resp, err
}

// Reschedule changes the reference date and recomputes the milestones.
func (c *Client) Reschedule(ctx context.Context, id, referenceDate string) (WorkItem, error) {
	body := map[string]any{"reference_date": referenceDate}
	var resp WorkItem
	err := c.do(ctx, http.MethodPatch, c.workItemPath(id, "reference-date"), body, &resp)
	return resp, err
}

// Conclude closes a work item. Fails while any activity is still pending.
func (c *Client) Conclude(ctx context.Context, id string) (WorkItem, error) {
	return c.workItemTransition(ctx, id, "conclude")
}

// CancelWorkItem cancels a work item regardless of pending activities.
func (c *Client) CancelWorkItem(ctx context.Context, id string) (WorkItem, error) {
	return c.workItemTransition(ctx, id, "cancel")
}

// ReopenWorkItem moves a concluded work item back to open.
func (c *Client) ReopenWorkItem(ctx context.Context, id string) (WorkItem, error) {
	return c.workItemTransition(ctx, id, "reopen")
}

// ReactivateWorkItem moves a cancelled work item back to open.
func (c *Client) ReactivateWorkItem(ctx context.Context, id string) (WorkItem, error) {
	return c.workItemTransition(ctx, id, "reactivate")
}

func (c *Client) workItemTransition(ctx context.Context, id, op string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.workItemPath(id, op), nil, &resp)
	return resp, err
}

// AddActivity appends an activity to a work item's checklist.
func (c *Client) AddActivity(ctx context.Context, workItemID, kind, label string) (Activity, error) {
	body := map[string]any{
		"kind":  kind,
		"label": label,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.workItemPath(workItemID, "activities"), body, &resp)
	return resp, err
}

// Activities lists a work item's activities in ordinal order.
func (c *Client) Activities(ctx context.Context, workItemID string) ([]Activity, error) {
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.workItemPath(workItemID, "activities"), nil, &resp)
	return resp.Items, err
}

// CompleteActivity manually completes an activity.
func (c *Client) CompleteActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "complete"), nil, &resp)
	return resp, err
}

// CancelActivity cancels an activity. Justification may be required by the
// activity's cancellation policy.
func (c *Client) CancelActivity(ctx context.Context, id, justification string) (Activity, error) {
	body := map[string]any{"justification": justification}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "cancel"), body, &resp)
	return resp, err
}

// ReopenActivity moves a completed activity back to pending.
func (c *Client) ReopenActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "reopen"), nil, &resp)
	return resp, err
}

// ReactivateActivity moves a cancelled activity back to pending.
func (c *Client) ReactivateActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "reactivate"), nil, &resp)
	return resp, err
}

// MoveActivity shifts an activity one position up or down.
func (c *Client) MoveActivity(ctx context.Context, id, direction string) (Activity, error) {
	body := map[string]any{"direction": direction}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "move"), body, &resp)
	return resp, err
}

// SetAttachmentCount records the attachment count on an attachment activity.
func (c *Client) SetAttachmentCount(ctx context.Context, id string, count int) (Activity, error) {
	body := map[string]any{"count": count}
	var resp Activity
	err := c.do(ctx, http.MethodPut, c.activityPath(id, "attachment-count"), body, &resp)
	return resp, err
}

// SendActivityEmail delivers a send_email activity's message and completes it.
func (c *Client) SendActivityEmail(ctx context.Context, id string, to []string, subject, body string) (Activity, error) {
	req := map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "email"), req, &resp)
	return resp, err
}

// ReportPdfValidation reports the outcome of an external layout check.
func (c *Client) ReportPdfValidation(ctx context.Context, id string, processed bool, receipt string) (Activity, error) {
	body := map[string]any{
		"processed": processed,
		"receipt":   receipt,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "validate-pdf"), body, &resp)
	return resp, err
}

// ReportThirdPartyMatch reports the outcome of an external record match.
func (c *Client) ReportThirdPartyMatch(ctx context.Context, id string, matchFound bool, receipt string) (Activity, error) {
	body := map[string]any{
		"match_found": matchFound,
		"receipt":     receipt,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.activityPath(id, "match"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
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
	var resp PaginatedEvents
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

func (c *Client) workItemPath(id, sub string) string {
	p := fmt.Sprintf("v0/work-items/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) activityPath(id, sub string) string {
	p := fmt.Sprintf("v0/activities/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
