package flowlenssdk

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

// Client is a minimal flowlens HTTP API client.
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
		Timeout:  60 * time.Second,
	}
}

// Item is one board entry (partial).
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Snapshot represents a recorded board snapshot.
type Snapshot struct {
	ID      string            `json:"id"`
	Date    time.Time         `json:"date"`
	Columns map[string][]Item `json:"columns"`
	Blocked int               `json:"blocked_items"`
}

// Alert is one metrics alert.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Report is the metrics report (partial).
type Report struct {
	Date           time.Time      `json:"date"`
	Status         string         `json:"status"`
	Snapshots      int            `json:"snapshots"`
	Throughput     map[string]any `json:"throughput"`
	BlockedRatio   float64        `json:"blocked_ratio"`
	FlowEfficiency float64        `json:"flow_efficiency"`
	Trend          map[string]any `json:"trend_analysis"`
	Alerts         []Alert        `json:"alerts"`
}

// ReportResponse carries the report and its optional markdown rendering.
type ReportResponse struct {
	Report   Report `json:"report"`
	Markdown string `json:"markdown,omitempty"`
}

// Entities is the organization state sent for analysis. Values are passed
// through as JSON.
type Entities struct {
	Teams    []map[string]any `json:"teams,omitempty"`
	Projects []map[string]any `json:"projects,omitempty"`
	Cards    []map[string]any `json:"cards,omitempty"`
	Users    []map[string]any `json:"users,omitempty"`
}

// Analysis is a combined analysis result (partial).
type Analysis struct {
	ID           string           `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	MaxSeverity  string           `json:"max_severity"`
	Bottlenecks  []map[string]any `json:"bottlenecks"`
	Workload     map[string]any   `json:"workload"`
	Coordination map[string]any   `json:"coordination"`
	Dependencies map[string]any   `json:"dependencies"`
	AI           AIResult         `json:"ai"`
}

// AIResult is the generative analysis outcome.
type AIResult struct {
	ID       string         `json:"id,omitempty"`
	Provider string         `json:"provider"`
	Payload  map[string]any `json:"payload"`
	Error    string         `json:"error,omitempty"`
}

// Run is a stored analysis.
type Run struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	Kind        string         `json:"kind"`
	Provider    string         `json:"provider,omitempty"`
	MaxSeverity string         `json:"max_severity"`
	Payload     map[string]any `json:"payload"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
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

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RecordBoard records a snapshot parsed from markdown board text. A zero
// date lets the server use the current time.
func (c *Client) RecordBoard(ctx context.Context, board string, date time.Time) (Snapshot, error) {
	body := map[string]any{"board": board}
	if !date.IsZero() {
		body["date"] = date.UTC().Format(time.RFC3339)
	}
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, "snapshots", body, &resp)
	return resp, err
}

// Snapshots lists retained snapshots, oldest first.
func (c *Client) Snapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	endpoint := "snapshots"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Snapshot `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Report fetches the metrics report, with markdown when requested.
func (c *Client) Report(ctx context.Context, markdown bool) (ReportResponse, error) {
	endpoint := "report"
	if markdown {
		endpoint += "?format=markdown"
	}
	var resp ReportResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Analyze runs every analysis over ents.
func (c *Client) Analyze(ctx context.Context, ents Entities) (Analysis, error) {
	var resp Analysis
	err := c.do(ctx, http.MethodPost, "analyses", ents, &resp)
	return resp, err
}

// AnalyzeGlobal runs only the generative analysis.
func (c *Client) AnalyzeGlobal(ctx context.Context, ents Entities) (AIResult, error) {
	var resp AIResult
	err := c.do(ctx, http.MethodPost, "analyses/global", ents, &resp)
	return resp, err
}

// Providers reports AI provider availability.
func (c *Client) Providers(ctx context.Context) (map[string]bool, error) {
	var resp struct {
		Providers map[string]bool `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "providers", nil, &resp)
	return resp.Providers, err
}

// Run fetches one stored analysis.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Runs lists stored analyses, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
