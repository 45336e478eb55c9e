package server

import (
	"encoding/json"

	"taskline/internal/config"
	"taskline/internal/domain"
)

type CreateProjectRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	ServiceTemplates []string `json:"service_templates,omitempty"`
}

type UpdateProjectRequest struct {
	Name             *string  `json:"name,omitempty"`
	ServiceTemplates []string `json:"service_templates,omitempty"`
}

type ReadyToCloseRequest struct {
	Ready bool `json:"ready"`
}

type ProjectResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	ReadyToClose     bool     `json:"ready_to_close"`
	ServiceTemplates []string `json:"service_templates"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

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

type SplitTaskRequest struct {
	NewExpectedTime float64 `json:"new_expected_time"`
}

type TaskResponse struct {
	ID           string                   `json:"id"`
	ProjectID    string                   `json:"project_id"`
	ParentID     string                   `json:"parent_id,omitempty"`
	Subject      string                   `json:"subject"`
	TaskType     string                   `json:"task_type,omitempty"`
	Description  string                   `json:"description,omitempty"`
	Status       string                   `json:"status"`
	Assignee     string                   `json:"assignee,omitempty"`
	ExpectedTime float64                  `json:"expected_time"`
	ActualTime   float64                  `json:"actual_time"`
	IsGroup      bool                     `json:"is_group"`
	TemplateRef  string                   `json:"template_ref,omitempty"`
	Extra        map[string]any           `json:"extra,omitempty"`
	DependsOn    []string                 `json:"depends_on"`
	CreatedAt    string                   `json:"created_at"`
	UpdatedAt    string                   `json:"updated_at"`
	CompletedAt  string                   `json:"completed_at,omitempty"`
	Actions      *domain.ActionConditions `json:"actions,omitempty"`
}

type TimelogResponse struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	ActorID   string `json:"actor_id"`
	FromTime  string `json:"from_time"`
	ToTime    string `json:"to_time,omitempty"`
	Completed bool   `json:"completed"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts"`
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml"`
}

type ConfigTaskType struct {
	Description string `json:"description,omitempty"`
}

type ConfigTemplateTask struct {
	Subject      string  `json:"subject"`
	TaskType     string  `json:"task_type,omitempty"`
	ExpectedTime float64 `json:"expected_time,omitempty"`
	Description  string  `json:"description,omitempty"`
}

type ConfigTemplate struct {
	Description string               `json:"description,omitempty"`
	Tasks       []ConfigTemplateTask `json:"tasks"`
}

type ConfigResponse struct {
	ProjectID   string                    `json:"project_id"`
	ProjectName string                    `json:"project_name,omitempty"`
	Kind        string                    `json:"kind"`
	TaskTypes   map[string]ConfigTaskType `json:"task_types"`
	Templates   map[string]ConfigTemplate `json:"templates,omitempty"`
	Roles       map[string][]string       `json:"roles,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:               p.ID,
		Name:             p.Name,
		Kind:             p.Kind,
		ReadyToClose:     p.ReadyToClose,
		ServiceTemplates: nonNilSlice(p.ServiceTemplates),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		ParentID:     stringOrEmpty(t.ParentID),
		Subject:      t.Subject,
		TaskType:     t.TaskType,
		Description:  t.Description,
		Status:       t.Status,
		Assignee:     stringOrEmpty(t.Assignee),
		ExpectedTime: t.ExpectedTime,
		ActualTime:   t.ActualTime,
		IsGroup:      t.IsGroup,
		TemplateRef:  stringOrEmpty(t.TemplateRef),
		Extra:        decodeJSONMap(t.ExtraJSON),
		DependsOn:    nonNilSlice(t.DependsOn),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  stringOrEmpty(t.CompletedAt),
	}
}

func taskResponseWithActions(t domain.Task, cond domain.ActionConditions) TaskResponse {
	res := taskResponse(t)
	res.Actions = &cond
	return res
}

func timelogResponse(l domain.Timelog) TimelogResponse {
	return TimelogResponse{
		ID:        l.ID,
		TaskID:    l.TaskID,
		ActorID:   l.ActorID,
		FromTime:  l.FromTime,
		ToTime:    stringOrEmpty(l.ToTime),
		Completed: l.Completed,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		ProjectID: evt.ProjectID,
		TaskID:    evt.TaskID,
		ActorID:   evt.ActorID,
		Payload:   payload,
	}
}

func configResponse(projectID string, cfg *config.Config) ConfigResponse {
	res := ConfigResponse{
		ProjectID:   projectID,
		ProjectName: cfg.Project.Name,
		Kind:        cfg.Project.Kind,
		TaskTypes:   map[string]ConfigTaskType{},
	}
	for name, tt := range cfg.TaskTypes {
		res.TaskTypes[name] = ConfigTaskType{Description: tt.Description}
	}
	if len(cfg.Templates) > 0 {
		res.Templates = map[string]ConfigTemplate{}
		for name, tpl := range cfg.Templates {
			out := ConfigTemplate{Description: tpl.Description}
			for _, t := range tpl.Tasks {
				out.Tasks = append(out.Tasks, ConfigTemplateTask{
					Subject:      t.Subject,
					TaskType:     t.TaskType,
					ExpectedTime: t.ExpectedTime,
					Description:  t.Description,
				})
			}
			res.Templates[name] = out
		}
	}
	if len(cfg.RBAC.Roles) > 0 {
		res.Roles = map[string][]string{}
		for roleID, role := range cfg.RBAC.Roles {
			res.Roles[roleID] = nonNilSlice(role.Permissions)
		}
	}
	return res
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
