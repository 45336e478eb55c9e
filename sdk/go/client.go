package tasksdk

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

// Client is a minimal Taskline HTTP API client. BaseURL includes the API base
// path, e.g. http://localhost:8080/api/v1.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// ActionConditions mirrors the server-computed eligibility flag set.
type ActionConditions struct {
	StartTask    bool `json:"start_task"`
	CompleteTask bool `json:"complete_task"`
	PauseTask    bool `json:"pause_task"`
	ResumeTask   bool `json:"resume_task"`
	ReopenTask   bool `json:"reopen_task"`
	EditTask     bool `json:"edit_task"`
	SplitTask    bool `json:"split_task"`
	CancelTask   bool `json:"cancel_task"`
}

// Task represents the API task model.
type Task struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	ParentID     string            `json:"parent_id,omitempty"`
	Subject      string            `json:"subject"`
	TaskType     string            `json:"task_type,omitempty"`
	Description  string            `json:"description,omitempty"`
	Status       string            `json:"status"`
	Assignee     string            `json:"assignee,omitempty"`
	ExpectedTime float64           `json:"expected_time"`
	ActualTime   float64           `json:"actual_time"`
	IsGroup      bool              `json:"is_group"`
	TemplateRef  string            `json:"template_ref,omitempty"`
	Extra        map[string]any    `json:"extra,omitempty"`
	DependsOn    []string          `json:"depends_on"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	CompletedAt  string            `json:"completed_at,omitempty"`
	Actions      *ActionConditions `json:"actions,omitempty"`
}

// Project represents the API project model.
type Project struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	ReadyToClose     bool     `json:"ready_to_close"`
	ServiceTemplates []string `json:"service_templates"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// Timelog represents one clock interval on a task.
type Timelog struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	ActorID   string `json:"actor_id"`
	FromTime  string `json:"from_time"`
	ToTime    string `json:"to_time,omitempty"`
	Completed bool   `json:"completed"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	TaskID    string         `json:"task_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// WhoAmI represents an actor's roles and permissions.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIKey represents a created or listed API key. Key is only set on creation.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty"`
}

// CreateTaskRequest carries task creation fields.
type CreateTaskRequest struct {
	Subject      string         `json:"subject"`
	TaskType     string         `json:"task_type,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	Description  string         `json:"description,omitempty"`
	Assignee     string         `json:"assignee,omitempty"`
	ExpectedTime float64        `json:"expected_time,omitempty"`
	IsGroup      bool           `json:"is_group,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// EditTaskRequest carries task edits. Nil fields are left unchanged.
type EditTaskRequest struct {
	Subject      *string        `json:"subject,omitempty"`
	TaskType     *string        `json:"task_type,omitempty"`
	Description  *string        `json:"description,omitempty"`
	ExpectedTime *float64       `json:"expected_time,omitempty"`
	Assignee     *string        `json:"assignee,omitempty"`
	AddDepends   []string       `json:"add_depends_on,omitempty"`
	RemoveDepend []string       `json:"remove_depends_on,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates and initializes a project.
func (c *Client) CreateProject(ctx context.Context, id, name string, serviceTemplates []string) (Project, error) {
	body := map[string]any{
		"id":   id,
		"name": name,
	}
	if len(serviceTemplates) > 0 {
		body["service_templates"] = serviceTemplates
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProjects lists all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// SetReadyToClose sets or clears the project's ready-to-close flag.
func (c *Client) SetReadyToClose(ctx context.Context, projectID string, ready bool) (Project, error) {
	var resp Project
	endpoint := "projects/" + url.PathEscape(projectID) + "/ready-to-close"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"ready": ready}, &resp)
	return resp, err
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), req, &resp)
	return resp, err
}

// TaskFilters narrow ListTasks results.
type TaskFilters struct {
	Status   string
	TaskType string
	Assignee string
	ParentID string
	Limit    int
	Cursor   string
}

// ListTasks returns one page of the project's tasks.
func (c *Client) ListTasks(ctx context.Context, f TaskFilters) (PaginatedTasks, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.TaskType != "" {
		q.Set("type", f.TaskType)
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.ParentID != "" {
		q.Set("parent_id", f.ParentID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := c.projectPath("tasks")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a task with its action eligibility flags.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// EditTask applies a partial update to a task.
func (c *Client) EditTask(ctx context.Context, taskID string, req EditTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(taskID), req, &resp)
	return resp, err
}

// TaskActions fetches the eligibility flag set for a task.
func (c *Client) TaskActions(ctx context.Context, taskID string) (ActionConditions, error) {
	var resp ActionConditions
	endpoint := "tasks/" + url.PathEscape(taskID) + "/actions"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TaskTimelogs lists the clock intervals recorded on a task.
func (c *Client) TaskTimelogs(ctx context.Context, taskID string) ([]Timelog, error) {
	var resp []Timelog
	endpoint := "tasks/" + url.PathEscape(taskID) + "/timelogs"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunAction executes one lifecycle action (start, pause, resume, complete,
// cancel, reopen) on a task.
func (c *Client) RunAction(ctx context.Context, taskID, action string) (Task, error) {
	var resp Task
	endpoint := "tasks/" + url.PathEscape(taskID) + "/" + url.PathEscape(action)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// SplitTask splits a task, returning the newly created sibling.
func (c *Client) SplitTask(ctx context.Context, taskID string, newExpectedTime float64) (Task, error) {
	var resp Task
	endpoint := "tasks/" + url.PathEscape(taskID) + "/split"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"new_expected_time": newExpectedTime}, &resp)
	return resp, err
}

// CreateTemplateTasks materializes the project's service template tasks.
func (c *Client) CreateTemplateTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, c.projectPath("template-tasks"), map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
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

// GrantRole grants a role to an actor in the client's project.
func (c *Client) GrantRole(ctx context.Context, roleID, actorID string) error {
	endpoint := c.projectPath(fmt.Sprintf("roles/%s/actors/%s", url.PathEscape(roleID), url.PathEscape(actorID)))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// RevokeRole revokes a role from an actor in the client's project.
func (c *Client) RevokeRole(ctx context.Context, roleID, actorID string) error {
	endpoint := c.projectPath(fmt.Sprintf("roles/%s/actors/%s", url.PathEscape(roleID), url.PathEscape(actorID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ProjectWhoAmI returns the caller's roles and permissions in the project.
func (c *Client) ProjectWhoAmI(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, c.projectPath("me"), nil, &resp)
	return resp, err
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateAPIKey mints a new API key for the caller. The plaintext key is only
// returned once.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// DeleteAPIKey revokes one of the caller's API keys.
func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "api-keys/"+url.PathEscape(id), nil, nil)
}

// DevLogin mints a development JWT. Only works when the server has a dev
// secret configured.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles, permissions []string) (string, error) {
	body := map[string]any{
		"actor_id":    actorID,
		"roles":       roles,
		"permissions": permissions,
	}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp)
	return resp.Token, err
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
