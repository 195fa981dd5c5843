// Package agentd is a Go client for the agentd REST API.
package agentd

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
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agentd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Agent mirrors the descriptor returned by /api/v1/agents.
type Agent struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	Capabilities []string         `json:"capabilities"`
	Priority     int              `json:"priority"`
	Status       string           `json:"status"`
	Tasks        []TaskDescriptor `json:"tasks"`
}

// Supports reports whether the agent advertises the given task type.
func (a Agent) Supports(taskType string) bool {
	for _, t := range a.Tasks {
		if t.Type == taskType {
			return true
		}
	}
	return false
}

// TaskDescriptor describes one task type an agent accepts.
type TaskDescriptor struct {
	Type          string          `json:"type"`
	Description   string          `json:"description,omitempty"`
	Mutating      bool            `json:"mutating"`
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
}

// Task is the unit of work submitted to an agent.
type Task struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// TaskResult is the successful outcome of a synchronous task.
type TaskResult struct {
	Success bool            `json:"success"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Decode unmarshals the task value into out.
func (r TaskResult) Decode(out any) error {
	if len(r.Value) == 0 {
		return errors.New("agentd: task returned no value")
	}
	return json.Unmarshal(r.Value, out)
}

// JobSubmission represents the payload required to enqueue a task.
type JobSubmission struct {
	ID         string `json:"id,omitempty"`
	AgentID    string `json:"agent_id"`
	Task       Task   `json:"task"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// Job is the server-side record of an asynchronous task.
type Job struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	Task       Task            `json:"task"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// JobFilter narrows /api/v1/jobs listings. Zero values are omitted.
type JobFilter struct {
	Statuses []string
	AgentID  string
	TaskType string
	Limit    int
	Offset   int
}

func (f JobFilter) query() url.Values {
	values := url.Values{}
	if len(f.Statuses) > 0 {
		values.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.AgentID != "" {
		values.Set("agent_id", f.AgentID)
	}
	if f.TaskType != "" {
		values.Set("task_type", f.TaskType)
	}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	return values
}

// APIError represents a coded failure reported by the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentd api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the agentd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
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

// ListAgents returns the registered agents, optionally filtered by capability.
func (c *Client) ListAgents(ctx context.Context, capability string) ([]Agent, error) {
	query := url.Values{}
	if capability != "" {
		query.Set("capability", capability)
	}
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", query, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgent fetches one agent descriptor.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &agent)
	return agent, err
}

// InitializeAgent restores the agent's state and makes it ready.
func (c *Client) InitializeAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(id)+"/initialize", nil, nil, &agent)
	return agent, err
}

// ShutdownAgent stops the agent; force bounds the wait for in-flight work.
func (c *Client) ShutdownAgent(ctx context.Context, id string, force bool) (Agent, error) {
	query := url.Values{}
	if force {
		query.Set("force", "true")
	}
	var agent Agent
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(id)+"/shutdown", query, nil, &agent)
	return agent, err
}

// ExecuteTask runs a task synchronously. A busy agent yields an APIError
// with Code AGENT_BUSY and Retryable set.
func (c *Client) ExecuteTask(ctx context.Context, agentID string, task Task) (TaskResult, error) {
	var result TaskResult
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/tasks", nil, task, &result)
	return result, err
}

// SubmitJob enqueues a task for asynchronous execution.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, submission, &job)
	return job, err
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job)
	return job, err
}

// ListJobs returns jobs matching the filter, most recently updated first.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var jobs []Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", filter.query(), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// WaitForJob polls until the job is terminal or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		// Failed task results and plain errors share the {"error": {...}} envelope.
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
