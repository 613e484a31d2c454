// Package tracker is the HTTP client for the external issue tracker. All
// write operations pass a shared token bucket: one write per second, well
// under the tracker's documented 80/min secondary limit.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Issue is the tracker's view of a work item.
type Issue struct {
	ID       string   `json:"id,omitempty"`
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
	Status   string   `json:"status,omitempty"` // "in_progress", "ready", "review", ...
}

// Snapshot is the per-agent kanban view gathered into each loop's context.
type Snapshot struct {
	InProgress []Issue `json:"inProgress"`
	Ready      []Issue `json:"ready"`
	Review     []Issue `json:"review"`
}

// Client talks to the tracker API. A nil Client is valid: reads return
// empty and writes are dropped with a log line.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	writes  *rate.Limiter
	dryRun  bool
}

func NewClient(baseURL, token string, dryRun bool) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		writes:  rate.NewLimiter(rate.Limit(1), 1),
		dryRun:  dryRun,
	}
}

// SnapshotFor loads the agent's kanban buckets.
func (c *Client) SnapshotFor(ctx context.Context, agentType string) (*Snapshot, error) {
	if c == nil {
		return &Snapshot{}, nil
	}
	var snap Snapshot
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentType)+"/board", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// InProgressCount counts the agent's in-flight tracker items (concurrency
// cap input).
func (c *Client) InProgressCount(ctx context.Context, agentType string) (int, error) {
	snap, err := c.SnapshotFor(ctx, agentType)
	if err != nil {
		return 0, err
	}
	return len(snap.InProgress), nil
}

// CreateIssue opens a new issue and returns its id.
func (c *Client) CreateIssue(ctx context.Context, issue Issue) (string, error) {
	if c == nil {
		return "", fmt.Errorf("tracker not configured")
	}
	if c.dryRun {
		slog.Info("dry-run: tracker write skipped", "op", "create_issue", "title", issue.Title)
		return "dry-run", nil
	}
	if err := c.writes.Wait(ctx); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/issues", issue, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateIssue patches status labels and appends an optional comment.
func (c *Client) UpdateIssue(ctx context.Context, id, status, comment string) error {
	if c == nil {
		return fmt.Errorf("tracker not configured")
	}
	if c.dryRun {
		slog.Info("dry-run: tracker write skipped", "op", "update_issue", "issue", id, "status", status)
		return nil
	}
	if err := c.writes.Wait(ctx); err != nil {
		return err
	}
	body := map[string]string{"status": status, "comment": comment}
	return c.post(ctx, "/issues/"+url.PathEscape(id), body, nil)
}

// SearchTitles returns existing issue titles matching the query words
// (duplicate-guard input).
func (c *Client) SearchTitles(ctx context.Context, query string) ([]string, error) {
	if c == nil {
		return nil, nil
	}
	var out struct {
		Titles []string `json:"titles"`
	}
	if err := c.get(ctx, "/issues/search?q="+url.QueryEscape(query), &out); err != nil {
		return nil, err
	}
	return out.Titles, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tracker request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode tracker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tracker %s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode tracker response: %w", err)
	}
	return nil
}
