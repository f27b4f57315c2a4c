package govlinesdk

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

// Client is a minimal govline HTTP API client.
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
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Directive represents the API directive model (partial).
type Directive struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Phase       string  `json:"phase"`
	ParentID    *string `json:"parent_id,omitempty"`
	Progress    int     `json:"progress"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Narrative is the seven-section handoff report.
type Narrative struct {
	ExecutiveSummary     string `json:"executive_summary"`
	DeliverablesManifest string `json:"deliverables_manifest"`
	KeyDecisions         string `json:"key_decisions"`
	KnownIssues          string `json:"known_issues"`
	ResourceUtilization  string `json:"resource_utilization"`
	ActionItems          string `json:"action_items"`
	CompletenessReport   string `json:"completeness_report"`
}

type GateResult struct {
	Name     string   `json:"name"`
	Mode     string   `json:"mode"`
	Passed   bool     `json:"passed"`
	Score    int      `json:"score"`
	MaxScore int      `json:"max_score"`
	Degraded bool     `json:"degraded,omitempty"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Handoff represents a proposed phase transition and its gate outcome.
type Handoff struct {
	ID               string       `json:"id"`
	DirectiveID      string       `json:"directive_id"`
	FromPhase        string       `json:"from_phase"`
	ToPhase          string       `json:"to_phase"`
	HandoffType      string       `json:"handoff_type"`
	Status           string       `json:"status"`
	ValidationScore  int          `json:"validation_score"`
	ValidationPassed bool         `json:"validation_passed"`
	GateResults      []GateResult `json:"gate_results"`
	Threshold        int          `json:"threshold"`
	UnmetGates       []string     `json:"unmet_gates"`
	AcceptedAt       *string      `json:"accepted_at,omitempty"`
}

type PhaseProgress struct {
	Name     string `json:"name"`
	Weight   int    `json:"weight"`
	Progress int    `json:"progress"`
	Complete bool   `json:"complete"`
}

// Progress is the directive's progress breakdown.
type Progress struct {
	DirectiveID   string          `json:"directive_id"`
	TotalProgress int             `json:"total_progress"`
	Source        string          `json:"source"`
	Phases        []PhaseProgress `json:"phases"`
}

type Verdict struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	AgentCode   string `json:"agent_code"`
	Verdict     string `json:"verdict"`
	Confidence  int    `json:"confidence"`
}

type BatchItem struct {
	HandoffID string `json:"handoff_id"`
	Reason    string `json:"reason"`
}

type BatchResult struct {
	Accepted []string    `json:"accepted"`
	Skipped  []BatchItem `json:"skipped"`
	Failed   []BatchItem `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	DirectiveID string         `json:"directive_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
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

// CreateDirective creates a directive in DRAFT.
func (c *Client) CreateDirective(ctx context.Context, title, directiveType string) (Directive, error) {
	body := map[string]any{"title": title}
	if directiveType != "" {
		body["type"] = directiveType
	}
	var resp Directive
	err := c.do(ctx, http.MethodPost, "directives", body, &resp)
	return resp, err
}

func (c *Client) GetDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodGet, c.directivePath(id, ""), nil, &resp)
	return resp, err
}

// ApproveDirective moves a draft directive to LEAD.
func (c *Client) ApproveDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, c.directivePath(id, "approve"), nil, &resp)
	return resp, err
}

// ProposeHandoff submits a handoff and returns the gate outcome.
func (c *Client) ProposeHandoff(ctx context.Context, directiveID, toPhase string, n Narrative) (Handoff, error) {
	body := map[string]any{"to_phase": toPhase, "narrative": n}
	var resp Handoff
	err := c.do(ctx, http.MethodPost, c.directivePath(directiveID, "handoffs"), body, &resp)
	return resp, err
}

func (c *Client) AcceptHandoff(ctx context.Context, id string) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

func (c *Client) RejectHandoff(ctx context.Context, id, reason string) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AcceptPending accepts every acceptable pending handoff, optionally for one directive.
func (c *Client) AcceptPending(ctx context.Context, directiveID string) (BatchResult, error) {
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "handoffs/accept-pending", map[string]any{"directive_id": directiveID}, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, directiveID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.directivePath(directiveID, "progress"), nil, &resp)
	return resp, err
}

func (c *Client) SetPhaseProgress(ctx context.Context, directiveID, phase string, progress int) error {
	return c.do(ctx, http.MethodPut, c.directivePath(directiveID, "phases/"+url.PathEscape(phase)), map[string]any{"progress": progress}, nil)
}

func (c *Client) MarkPhaseComplete(ctx context.Context, directiveID, phase string) error {
	return c.do(ctx, http.MethodPost, c.directivePath(directiveID, "phases/"+url.PathEscape(phase)+"/complete"), nil, nil)
}

func (c *Client) RecordVerdict(ctx context.Context, directiveID, agentCode, verdict string, confidence int) (Verdict, error) {
	body := map[string]any{"agent_code": agentCode, "verdict": verdict, "confidence": confidence}
	var resp Verdict
	err := c.do(ctx, http.MethodPost, c.directivePath(directiveID, "verdicts"), body, &resp)
	return resp, err
}

// Complete asks the server to complete the directive.
func (c *Client) Complete(ctx context.Context, directiveID string) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, c.directivePath(directiveID, "complete"), nil, &resp)
	return resp, err
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

func (c *Client) directivePath(id, sub string) string {
	p := "directives/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
