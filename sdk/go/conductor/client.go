package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Conductor REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials carries the username/password pair exchanged for a token.
type Credentials struct {
	GrantType string `json:"grant_type,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Subtask mirrors the server-side representation of a task checklist item.
type Subtask struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Task mirrors the server-side task representation.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	Labels      []string  `json:"labels,omitempty"`
	Subtasks    []Subtask `json:"subtasks,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	Progress    int       `json:"progress"`
	BlockReason string    `json:"block_reason,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

// TaskSubmission is the payload for creating a task.
type TaskSubmission struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Priority    int       `json:"priority,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Subtasks    []Subtask `json:"subtasks,omitempty"`
}

// ListTasksOptions narrows the task listing.
type ListTasksOptions struct {
	Status   string
	Assignee string
	Label    string
	Query    string
	Limit    int
	Offset   int
}

// Agent mirrors the server-side agent representation.
type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Skills         []string `json:"skills,omitempty"`
	State          string   `json:"state"`
	CurrentTaskID  string   `json:"current_task_id,omitempty"`
	TasksCompleted int      `json:"tasks_completed"`
	RegisteredAt   int64    `json:"registered_at"`
	LastSeenAt     int64    `json:"last_seen_at"`
}

// ReportRecord mirrors a progress or blocker report entry.
type ReportRecord struct {
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Percent   int    `json:"percent"`
	Message   string `json:"message,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AgentStatus is the detailed view of a single agent.
type AgentStatus struct {
	Agent         *Agent         `json:"agent"`
	CurrentTask   *Task          `json:"current_task,omitempty"`
	RecentReports []ReportRecord `json:"recent_reports,omitempty"`
}

// TaskStats aggregates task counts per status.
type TaskStats struct {
	Total      int   `json:"total"`
	Todo       int   `json:"todo"`
	InProgress int   `json:"in_progress"`
	Blocked    int   `json:"blocked"`
	Done       int   `json:"done"`
	OldestTS   int64 `json:"oldest_updated_at,omitempty"`
	NewestTS   int64 `json:"newest_updated_at,omitempty"`
}

// ProjectStatus is the aggregated project overview.
type ProjectStatus struct {
	Tasks             TaskStats      `json:"tasks"`
	CompletionPercent int            `json:"completion_percent"`
	AgentsTotal       int            `json:"agents_total"`
	AgentsWorking     int            `json:"agents_working"`
	AgentsIdle        int            `json:"agents_idle"`
	RecentReports     []ReportRecord `json:"recent_reports,omitempty"`
	GeneratedAt       int64          `json:"generated_at"`
}

// Health is the payload returned by the health probe.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ServerTime    int64  `json:"server_time"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("conductor api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("conductor api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Conductor API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. It is only needed when the server runs with JWT auth.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// CreateTask submits a new task to the backlog.
func (c *Client) CreateTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created, true); err != nil {
		return Task{}, err
	}
	return created, nil
}

// ListTasks fetches tasks matching the provided filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Assignee != "" {
		query.Set("assignee", opts.Assignee)
	}
	if opts.Label != "" {
		query.Set("label", opts.Label)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	if opts.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks, true); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail, true); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// UnassignTask reopens a task so another agent can pick it up.
func (c *Client) UnassignTask(ctx context.Context, taskID string) (Task, error) {
	var reopened Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/unassign"
	if err := c.post(ctx, endpoint, nil, &reopened, true); err != nil {
		return Task{}, err
	}
	return reopened, nil
}

// ListAgents fetches every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/api/v1/agents", &agents, true); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgentStatus fetches the detailed status of one agent.
func (c *Client) GetAgentStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	var status AgentStatus
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &status, true); err != nil {
		return AgentStatus{}, err
	}
	return status, nil
}

// ProjectStatus fetches the aggregated project overview.
func (c *Client) ProjectStatus(ctx context.Context) (ProjectStatus, error) {
	var status ProjectStatus
	if err := c.get(ctx, "/api/v1/status", &status, true); err != nil {
		return ProjectStatus{}, err
	}
	return status, nil
}

// Health probes the health endpoint. It never requires authentication.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.get(ctx, "/healthz", &health, false); err != nil {
		return Health{}, err
	}
	return health, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader, withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		// 未认证的部署下令牌可以为空，由服务端决定是否拒绝。
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
