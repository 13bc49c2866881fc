package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Steward HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers
	// accept it only with legacy headers enabled.
	ActorID    string
	ActorType  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// AccessContext carries the facts role constraints are evaluated against.
type AccessContext struct {
	Environment   string   `json:"environment,omitempty"`
	VetoedBy      []string `json:"vetoed_by,omitempty"`
	HumanApproved bool     `json:"human_approved,omitempty"`
	Approvals     []string `json:"approvals,omitempty"`
}

// Verdict is an access decision.
type Verdict struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Code       string `json:"code,omitempty"`
	Role       string `json:"role,omitempty"`
	Autonomy   string `json:"autonomy,omitempty"`
	EscalateTo string `json:"escalate_to,omitempty"`
}

// ReviewerSlot is one reviewer's place on a review request.
type ReviewerSlot struct {
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	Decision string `json:"decision,omitempty"`
	Comments string `json:"comments,omitempty"`
}

// ReviewRequest represents the API review model (partial).
type ReviewRequest struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Category          string         `json:"category"`
	UnitID            string         `json:"unit_id,omitempty"`
	Files             []string       `json:"files,omitempty"`
	RequiredReviewers []ReviewerSlot `json:"required_reviewers"`
	OptionalReviewers []ReviewerSlot `json:"optional_reviewers"`
	Status            string         `json:"status"`
	CanMerge          bool           `json:"can_merge"`
	IsBlocked         bool           `json:"is_blocked"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewReview is the payload for CreateReview.
type NewReview struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	UnitID      string            `json:"unit_id,omitempty"`
	Files       []string          `json:"files,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	Status   string
	Category string
	Author   string
	UnitID   string
	Reviewer string
	Limit    int
}

// EscalationFilter narrows ListEscalations. Zero fields match everything.
type EscalationFilter struct {
	Status  string
	Handler string
	ActorID string
	UnitID  string
	Limit   int
}

// Reviewers is the reviewer assignment derived from changed files.
type Reviewers struct {
	Categories []string `json:"categories"`
	Required   []string `json:"required"`
	Optional   []string `json:"optional"`
}

// EscalationStep is one hop of an escalation.
type EscalationStep struct {
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	DecidedBy string    `json:"decided_by,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Escalation is a stored escalation. The server keeps the authoritative copy;
// forwarding and resolving name it by ID.
type Escalation struct {
	ID             string           `json:"id,omitempty"`
	ActorID        string           `json:"actor_id,omitempty"`
	UnitID         string           `json:"unit_id,omitempty"`
	Action         string           `json:"action,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Status         string           `json:"status,omitempty"`
	Chain          []EscalationStep `json:"chain,omitempty"`
	CurrentHandler string           `json:"current_handler,omitempty"`
	CreatedAt      time.Time        `json:"created_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at,omitempty"`
}

// Agent represents a registered agent.
type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RoleClass string `json:"role_class"`
	Rank      int    `json:"rank"`
}

// Override is the outcome of ValidateOverride.
type Override struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	VetoCapable bool   `json:"veto_capable"`
}

// Violation is a broken sign-off rule.
type Violation struct {
	Rule             string `json:"rule"`
	Severity         string `json:"severity"`
	Message          string `json:"message"`
	RequiredApprover string `json:"required_approver,omitempty"`
}

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Result    string         `json:"result"`
	RiskScore int            `json:"risk_score"`
}

// AuditPage is one page of the audit trail, newest first.
type AuditPage struct {
	Source  string       `json:"source"`
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	HasMore bool         `json:"has_more"`
}

// AuditQuery filters Audit. Durable reads the server's database copy.
type AuditQuery struct {
	Actor   string
	Action  string
	Result  string
	MinRisk int
	Page    int
	Limit   int
	Durable bool
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
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

// DevLogin mints a token on servers that expose the development login and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, actorType, role string) (string, error) {
	body := map[string]any{"actor_id": actorID}
	if actorType != "" {
		body["actor_type"] = actorType
	}
	if role != "" {
		body["role"] = role
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// CheckAccess asks whether the caller may perform action in unitID.
func (c *Client) CheckAccess(ctx context.Context, action, unitID string, ac AccessContext) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "access/check", accessBody(action, unitID, ac), &resp)
	return resp, err
}

// EnforceAccess is CheckAccess with denials returned as an *APIError.
func (c *Client) EnforceAccess(ctx context.Context, action, unitID string, ac AccessContext) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "access/enforce", accessBody(action, unitID, ac), &resp)
	return resp, err
}

func accessBody(action, unitID string, ac AccessContext) map[string]any {
	body := map[string]any{"action": action, "context": ac}
	if unitID != "" {
		body["unit_id"] = unitID
	}
	return body
}

// CanExecute asks whether an agent may act alone and whom to escalate to.
func (c *Client) CanExecute(ctx context.Context, agentID, unitID, action string) (Verdict, error) {
	q := url.Values{"actor_id": {agentID}, "action": {action}}
	if unitID != "" {
		q.Set("unit_id", unitID)
	}
	var resp Verdict
	err := c.do(ctx, http.MethodGet, "escalations/can-execute?"+q.Encode(), nil, &resp)
	return resp, err
}

// CreateReview opens a review request authored by the caller.
func (c *Client) CreateReview(ctx context.Context, in NewReview) (ReviewRequest, error) {
	var resp ReviewRequest
	err := c.do(ctx, http.MethodPost, "reviews", in, &resp)
	return resp, err
}

// GetReview fetches a review request by id.
func (c *Client) GetReview(ctx context.Context, id string) (ReviewRequest, error) {
	var resp ReviewRequest
	err := c.do(ctx, http.MethodGet, "reviews/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListReviews returns review requests newest first.
func (c *Client) ListReviews(ctx context.Context, f ReviewFilter) ([]ReviewRequest, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"status": f.Status, "category": f.Category, "author": f.Author,
		"unit_id": f.UnitID, "reviewer": f.Reviewer,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "reviews"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []ReviewRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SubmitReview records the caller's decision.
func (c *Client) SubmitReview(ctx context.Context, id, decision, comments string) (ReviewRequest, error) {
	body := map[string]any{"decision": decision}
	if comments != "" {
		body["comments"] = comments
	}
	var resp ReviewRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reviews/%s/reviews", url.PathEscape(id)), body, &resp)
	return resp, err
}

// MergeReview merges an approved request as the caller.
func (c *Client) MergeReview(ctx context.Context, id string, ac AccessContext) (ReviewRequest, error) {
	body := map[string]any{}
	if ac.HumanApproved {
		body["human_approved"] = true
	}
	if len(ac.Approvals) > 0 {
		body["approvals"] = ac.Approvals
	}
	if ac.Environment != "" {
		body["environment"] = ac.Environment
	}
	var resp ReviewRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reviews/%s/merge", url.PathEscape(id)), body, &resp)
	return resp, err
}

// CloseReview closes a request without merging.
func (c *Client) CloseReview(ctx context.Context, id, reason string) (ReviewRequest, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp ReviewRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reviews/%s/close", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Reviewers derives categories and reviewers from changed files.
func (c *Client) Reviewers(ctx context.Context, files []string, unitID string) (Reviewers, error) {
	body := map[string]any{"files": files}
	if unitID != "" {
		body["unit_id"] = unitID
	}
	var resp Reviewers
	err := c.do(ctx, http.MethodPost, "reviews/reviewers", body, &resp)
	return resp, err
}

// Escalate opens an escalation as the caller. Only Action, UnitID and Reason
// are read; the server assigns the rest.
func (c *Client) Escalate(ctx context.Context, esc Escalation) (Escalation, error) {
	body := map[string]any{"action": esc.Action}
	if esc.UnitID != "" {
		body["unit_id"] = esc.UnitID
	}
	if esc.Reason != "" {
		body["reason"] = esc.Reason
	}
	var resp Escalation
	err := c.do(ctx, http.MethodPost, "escalations", body, &resp)
	return resp, err
}

// ForwardEscalation moves the stored escalation one hop up the hierarchy.
func (c *Client) ForwardEscalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	err := c.do(ctx, http.MethodPost, "escalations", map[string]any{"id": id}, &resp)
	return resp, err
}

// ResolveEscalation approves or rejects the stored escalation as the caller.
func (c *Client) ResolveEscalation(ctx context.Context, id string, approve bool, note string) (Escalation, error) {
	body := map[string]any{"id": id, "approve": approve}
	if note != "" {
		body["note"] = note
	}
	var resp Escalation
	err := c.do(ctx, http.MethodPost, "escalations/resolve", body, &resp)
	return resp, err
}

func (c *Client) GetEscalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	err := c.do(ctx, http.MethodGet, "escalations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListEscalations returns escalations newest first.
func (c *Client) ListEscalations(ctx context.Context, f EscalationFilter) ([]Escalation, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"status": f.Status, "handler": f.Handler, "actor_id": f.ActorID, "unit_id": f.UnitID,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "escalations"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Escalation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EscalationPath lists the authorities above agentID, nearest first.
func (c *Client) EscalationPath(ctx context.Context, agentID string) ([]Agent, error) {
	var resp struct {
		Path []Agent `json:"path"`
	}
	err := c.do(ctx, http.MethodGet, "escalations/path/"+url.PathEscape(agentID), nil, &resp)
	return resp.Path, err
}

// ValidateOverride checks whether the caller may override targetID.
func (c *Client) ValidateOverride(ctx context.Context, targetID string) (Override, error) {
	var resp Override
	err := c.do(ctx, http.MethodPost, "overrides/validate", map[string]any{"target_id": targetID}, &resp)
	return resp, err
}

// Violations lists the sign-off rules action would break.
func (c *Client) Violations(ctx context.Context, action, unitID, environment string, approvals []string) ([]Violation, error) {
	body := map[string]any{"action": action}
	if unitID != "" {
		body["unit_id"] = unitID
	}
	if environment != "" {
		body["environment"] = environment
	}
	if len(approvals) > 0 {
		body["approvals"] = approvals
	}
	var resp struct {
		Violations []Violation `json:"violations"`
	}
	err := c.do(ctx, http.MethodPost, "policy/violations", body, &resp)
	return resp.Violations, err
}

// Agents lists registered agents by rank.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp.Items, err
}

// Audit reads the audit trail. The caller needs audit:read.
func (c *Client) Audit(ctx context.Context, q AuditQuery) (AuditPage, error) {
	v := url.Values{}
	for k, s := range map[string]string{"actor": q.Actor, "action": q.Action, "result": q.Result} {
		if s != "" {
			v.Set(k, s)
		}
	}
	if q.MinRisk > 0 {
		v.Set("min_risk", strconv.Itoa(q.MinRisk))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Durable {
		v.Set("source", "durable")
	}
	endpoint := "audit"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp AuditPage
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
		if c.ActorType != "" {
			req.Header.Set("X-Actor-Type", c.ActorType)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
