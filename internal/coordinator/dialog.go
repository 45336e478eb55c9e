package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"taskline/internal/domain"
)

// Field is one dialog field descriptor. Fieldtype follows form vocabulary:
// Data, Link, Float, Text, Check, Section Break.
type Field struct {
	Fieldname string `json:"fieldname"`
	Label     string `json:"label,omitempty"`
	Fieldtype string `json:"fieldtype"`
	Options   string `json:"options,omitempty"`
	Default   any    `json:"default,omitempty"`
	ReadOnly  bool   `json:"read_only,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// Scope selects which provider list contributes to a dialog.
type Scope string

const (
	ScopeTask    Scope = "task"
	ScopeProject Scope = "project"
	ScopeCreate  Scope = "create"
)

// FieldProvider contributes extension fields to a dialog. Providers see the
// current task and project snapshots and run in registration order.
type FieldProvider func(task domain.Task, project domain.Project) []Field

// FieldProviders is an ordered registry of dialog field extensions.
type FieldProviders struct {
	byScope map[Scope][]FieldProvider
}

func NewFieldProviders() *FieldProviders {
	return &FieldProviders{byScope: make(map[Scope][]FieldProvider)}
}

// Register appends a provider to a scope. Registration order is preserved.
func (r *FieldProviders) Register(scope Scope, p FieldProvider) {
	r.byScope[scope] = append(r.byScope[scope], p)
}

func (r *FieldProviders) collect(scope Scope, task domain.Task, project domain.Project) []Field {
	var fields []Field
	for _, p := range r.byScope[scope] {
		fields = append(fields, p(task, project)...)
	}
	return fields
}

// dedupeFields drops later fields whose fieldname was already used. Section
// breaks carry no fieldname and always pass through.
func dedupeFields(fields []Field) []Field {
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if f.Fieldname != "" {
			if seen[f.Fieldname] {
				continue
			}
			seen[f.Fieldname] = true
		}
		out = append(out, f)
	}
	return out
}

// resolveTask returns the snapshot or fetches the task when none is supplied.
func (c *Coordinator) resolveTask(ctx context.Context, taskID string, snapshot *domain.Task) (domain.Task, error) {
	if snapshot != nil {
		return *snapshot, nil
	}
	return c.svc.Task(ctx, taskID)
}

// resolveProject derives the project from the task. A missing project is not
// an error; the dialog simply renders without project context.
func (c *Coordinator) resolveProject(ctx context.Context, projectID string) domain.Project {
	if projectID == "" {
		return domain.Project{}
	}
	p, err := c.svc.Project(ctx, projectID)
	if err != nil {
		return domain.Project{}
	}
	return p
}

// EditTaskFields assembles the edit dialog: fixed read-only context fields,
// editable task fields, extension provider fields and the free-text
// description, deduplicated by fieldname.
func (c *Coordinator) EditTaskFields(ctx context.Context, taskID string, snapshot *domain.Task) ([]Field, domain.Task, error) {
	task, err := c.resolveTask(ctx, taskID, snapshot)
	if err != nil {
		return nil, domain.Task{}, err
	}
	project := c.resolveProject(ctx, task.ProjectID)

	fields := []Field{
		{Fieldname: "task", Label: "Task", Fieldtype: "Link", Options: "Task", Default: task.ID, ReadOnly: true},
		{Fieldname: "subject", Label: "Subject", Fieldtype: "Data", Default: task.Subject, Required: true},
		{Fieldname: "task_type", Label: "Task Type", Fieldtype: "Link", Options: "Task Type", Default: task.TaskType},
		{Fieldname: "expected_time", Label: "Expected Time (hours)", Fieldtype: "Float", Default: task.ExpectedTime},
	}
	fields = append(fields, c.providers.collect(ScopeTask, task, project)...)
	fields = append(fields,
		Field{Fieldtype: "Section Break"},
		Field{Fieldname: "project", Label: "Project", Fieldtype: "Link", Options: "Project", Default: task.ProjectID, ReadOnly: true},
	)
	fields = append(fields, c.providers.collect(ScopeProject, task, project)...)
	fields = append(fields,
		Field{Fieldtype: "Section Break"},
		Field{Fieldname: "description", Label: "Description", Fieldtype: "Text", Default: task.Description},
	)
	return dedupeFields(fields), task, nil
}

// CreateTaskFields assembles the create dialog. The project field is
// pre-populated and read-only; parentID, when set, pins the new task under a
// group task.
func (c *Coordinator) CreateTaskFields(ctx context.Context, projectID, parentID string) []Field {
	project := c.resolveProject(ctx, projectID)

	fields := []Field{
		{Fieldname: "project", Label: "Project", Fieldtype: "Link", Options: "Project", Default: projectID, ReadOnly: true},
	}
	if parentID != "" {
		fields = append(fields, Field{Fieldname: "parent", Label: "Parent Task", Fieldtype: "Link", Options: "Task", Default: parentID, ReadOnly: true})
	}
	fields = append(fields,
		Field{Fieldname: "subject", Label: "Subject", Fieldtype: "Data", Required: true},
		Field{Fieldname: "task_type", Label: "Task Type", Fieldtype: "Link", Options: "Task Type"},
		Field{Fieldname: "expected_time", Label: "Expected Time (hours)", Fieldtype: "Float"},
	)
	fields = append(fields, c.providers.collect(ScopeCreate, domain.Task{ProjectID: projectID}, project)...)
	fields = append(fields,
		Field{Fieldtype: "Section Break"},
		Field{Fieldname: "description", Label: "Description", Fieldtype: "Text"},
	)
	return dedupeFields(fields)
}

// fixed fieldnames handled outside the Extra bag.
var builtinFieldnames = map[string]bool{
	"task":          true,
	"project":       true,
	"parent":        true,
	"subject":       true,
	"task_type":     true,
	"expected_time": true,
	"description":   true,
}

func splitValues(values map[string]any) (builtin map[string]any, extra map[string]any) {
	builtin = map[string]any{}
	extra = map[string]any{}
	for k, v := range values {
		if builtinFieldnames[k] {
			builtin[k] = v
		} else {
			extra[k] = v
		}
	}
	return builtin, extra
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatValue(values map[string]any, key string) (float64, error) {
	v, ok := values[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("field %s: expected number, got %T", key, v)
}

// SubmitCreate turns dialog values into one create call. Unknown fieldnames
// are extension provider values and travel as extra fields.
func (c *Coordinator) SubmitCreate(ctx context.Context, projectID string, values map[string]any) (domain.Task, error) {
	builtin, extra := splitValues(values)
	expected, err := floatValue(builtin, "expected_time")
	if err != nil {
		return domain.Task{}, err
	}
	req := CreateRequest{
		ProjectID:    projectID,
		ParentID:     stringValue(builtin, "parent"),
		Subject:      stringValue(builtin, "subject"),
		TaskType:     stringValue(builtin, "task_type"),
		Description:  stringValue(builtin, "description"),
		ExpectedTime: expected,
		Extra:        extra,
	}
	if req.Subject == "" {
		return domain.Task{}, fmt.Errorf("subject is required")
	}
	key := "create/" + projectID
	if !c.begin(key) {
		return domain.Task{}, ErrBusy
	}
	defer c.end(key)
	return c.svc.Create(ctx, req)
}

// SubmitEdit turns dialog values into one edit call, then reloads.
func (c *Coordinator) SubmitEdit(ctx context.Context, taskID string, values map[string]any) (domain.Task, error) {
	builtin, extra := splitValues(values)
	req := EditRequest{Extra: extra}
	if s := stringValue(builtin, "subject"); s != "" {
		req.Subject = &s
	} else if _, ok := builtin["subject"]; ok {
		return domain.Task{}, fmt.Errorf("subject is required")
	}
	if v, ok := builtin["task_type"]; ok {
		s, _ := v.(string)
		req.TaskType = &s
	}
	if v, ok := builtin["description"]; ok {
		s, _ := v.(string)
		req.Description = &s
	}
	if _, ok := builtin["expected_time"]; ok {
		expected, err := floatValue(builtin, "expected_time")
		if err != nil {
			return domain.Task{}, err
		}
		req.ExpectedTime = &expected
	}
	if !c.begin(taskID) {
		return domain.Task{}, ErrBusy
	}
	defer c.end(taskID)
	updated, err := c.svc.Edit(ctx, taskID, req)
	if err != nil {
		return domain.Task{}, err
	}
	if err := c.reloadTask(ctx, taskID); err != nil {
		return updated, err
	}
	return updated, nil
}

// EditFullForm is the escape hatch out of the quick dialog: it folds current
// dialog values into a local draft of the task without any remote call. The
// caller routes the draft to the full form.
func (c *Coordinator) EditFullForm(snapshot domain.Task, values map[string]any) domain.Task {
	draft := snapshot
	builtin, extra := splitValues(values)
	if s := stringValue(builtin, "subject"); s != "" {
		draft.Subject = s
	}
	if v, ok := builtin["task_type"]; ok {
		if s, ok := v.(string); ok {
			draft.TaskType = s
		}
	}
	if v, ok := builtin["description"]; ok {
		if s, ok := v.(string); ok {
			draft.Description = s
		}
	}
	if expected, err := floatValue(builtin, "expected_time"); err == nil {
		if _, ok := builtin["expected_time"]; ok {
			draft.ExpectedTime = expected
		}
	}
	if len(extra) > 0 {
		merged := map[string]any{}
		if draft.ExtraJSON != nil && *draft.ExtraJSON != "" {
			_ = json.Unmarshal([]byte(*draft.ExtraJSON), &merged)
		}
		for k, v := range extra {
			merged[k] = v
		}
		if b, err := json.Marshal(merged); err == nil {
			s := string(b)
			draft.ExtraJSON = &s
		}
	}
	return draft
}
