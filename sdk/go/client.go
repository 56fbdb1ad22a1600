package triagelinesdk

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

// Client is a minimal Triageline HTTP API client.
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

// Signal represents the API signal model (partial).
type Signal struct {
	ID             string `json:"id"`
	Source         string `json:"source"`
	SourceRef      string `json:"source_ref"`
	Severity       string `json:"severity"`
	Summary        string `json:"summary"`
	AggregationKey string `json:"aggregation_key,omitempty"`
	LastSeenAt     string `json:"last_seen_at"`
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	State    string `json:"state"`
	Severity string `json:"severity"`
	ClientID string `json:"client_id"`
	Title    string `json:"title"`
}

// InboxItem represents the API inbox item model (partial).
type InboxItem struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	State           string  `json:"state"`
	Severity        string  `json:"severity"`
	ClientID        *string `json:"client_id,omitempty"`
	ResolvedIssueID *string `json:"resolved_issue_id,omitempty"`
	SuppressionKey  *string `json:"suppression_key,omitempty"`
	ProposedAt      string  `json:"proposed_at"`
}

// IngestResult reports what ingest did with one observation.
type IngestResult struct {
	Signal     Signal     `json:"signal"`
	Item       *InboxItem `json:"inbox_item,omitempty"`
	Issue      *Issue     `json:"issue,omitempty"`
	Duplicate  bool       `json:"duplicate"`
	Suppressed bool       `json:"suppressed"`
	Regression bool       `json:"regression"`
}

// SignalInput is the detector-facing ingest payload.
type SignalInput struct {
	Source         string   `json:"source"`
	SourceRef      string   `json:"source_ref"`
	Sentiment      string   `json:"sentiment,omitempty"`
	Severity       string   `json:"severity"`
	ClientID       string   `json:"client_id,omitempty"`
	BrandID        string   `json:"brand_id,omitempty"`
	EngagementID   string   `json:"engagement_id,omitempty"`
	Summary        string   `json:"summary"`
	EvidenceJSON   string   `json:"evidence_json,omitempty"`
	AggregationKey string   `json:"aggregation_key,omitempty"`
	Candidates     []string `json:"candidate_client_ids,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type listIssues struct {
	Items []Issue `json:"items"`
}

type listInbox struct {
	Items []InboxItem `json:"items"`
}

// IngestSignal submits one detector observation.
func (c *Client) IngestSignal(ctx context.Context, in SignalInput) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "v0/signals", in, &resp)
	return resp, err
}

// ListIssues lists issues, optionally filtered by state.
func (c *Client) ListIssues(ctx context.Context, state string) ([]Issue, error) {
	endpoint := "v0/issues"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp listIssues
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// IssueAction applies a lifecycle action to an issue.
func (c *Client) IssueAction(ctx context.Context, issueID, action string, extra map[string]any) (Issue, error) {
	body := map[string]any{"action": action}
	for k, v := range extra {
		body[k] = v
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues/"+url.PathEscape(issueID)+"/actions", body, &resp)
	return resp, err
}

// ListInbox lists inbox items, optionally filtered by state.
func (c *Client) ListInbox(ctx context.Context, state string) ([]InboxItem, error) {
	endpoint := "v0/inbox"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp listInbox
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// InboxAction applies one primary action to an inbox item.
func (c *Client) InboxAction(ctx context.Context, itemID, action string, extra map[string]any) (InboxItem, error) {
	body := map[string]any{"action": action}
	for k, v := range extra {
		body[k] = v
	}
	var resp InboxItem
	err := c.do(ctx, http.MethodPost, "v0/inbox/"+url.PathEscape(itemID)+"/actions", body, &resp)
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
	return strings.TrimRight(c.BaseURL, "/")
}
