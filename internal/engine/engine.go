package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/engine/auth"
	"taskline/internal/events"
	"taskline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// ActorCapabilities resolves the task-action capability set for an actor.
func (e Engine) ActorCapabilities(ctx context.Context, projectID, actorID string) (auth.Capabilities, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return auth.Capabilities{}, err
	}
	defer tx.Rollback()
	return e.Auth.ActorCapabilities(ctx, tx, projectID, actorID)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TransitionError is returned for disallowed status changes.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

var (
	ErrSubjectRequired        = errors.New("subject is required")
	ErrAssigneeRequired       = errors.New("assignee required to start task")
	ErrAssigneeBusy           = errors.New("assignee already has a task in progress")
	ErrGroupTask              = errors.New("operation not allowed on a group task")
	ErrDependenciesIncomplete = errors.New("depends-on tasks not completed")
	ErrProjectReadyToClose    = errors.New("project is marked ready to close")
	ErrTaskCompleted          = errors.New("task is completed")
)

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusOpen:
		if newStatus == domain.StatusWorking || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusWorking:
		if newStatus == domain.StatusOnHold || newStatus == domain.StatusCompleted || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusOnHold:
		if newStatus == domain.StatusWorking || newStatus == domain.StatusCompleted || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusCompleted, domain.StatusCancelled:
		if newStatus == domain.StatusOpen {
			return nil
		}
	}
	return TransitionError{From: oldStatus, To: newStatus}
}

// InitProject creates a project with its config footprint and owner role.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Kind:      "service-project",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,kind,ready_to_close,service_templates_json,created_at,updated_at) VALUES (?,?,?,0,'[]',?,?)`,
		p.ID, p.Name, p.Kind, p.CreatedAt, p.UpdatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	seedCfg := e.Config
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, seedCfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.SeedRBAC(ctx, tx, seedCfg.RBAC.Roles); err != nil {
		return domain.Project{}, fmt.Errorf("seed rbac: %w", err)
	}
	if actorID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return domain.Project{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "", actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SetReadyToClose toggles the project flag that freezes reopen/edit/split.
func (e Engine) SetReadyToClose(ctx context.Context, projectID string, ready bool, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET ready_to_close=?, updated_at=? WHERE id=?`, boolInt(ready), now, projectID); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.ready_to_close", projectID, "", actorID, events.EventPayload{"ready": ready}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.ReadyToClose = ready
	p.UpdatedAt = now
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	ProjectID    string
	ParentID     string
	Subject      string
	TaskType     string
	Description  string
	ExpectedTime float64
	Assignee     string
	IsGroup      bool
	DependsOn    []string
	Extra        map[string]any
	TemplateRef  string
	ActorID      string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Subject == "" {
		return domain.Task{}, ErrSubjectRequired
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.TaskType != "" && !e.Config.HasTaskType(opts.TaskType) {
		return domain.Task{}, fmt.Errorf("unknown task type %s", opts.TaskType)
	}
	if opts.ExpectedTime < 0 {
		return domain.Task{}, errors.New("expected_time must not be negative")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if p.ReadyToClose {
		return domain.Task{}, ErrProjectReadyToClose
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, errors.New("parent in different project")
		}
		if err := e.ensureNoCycle(ctx, opts.ParentID, opts.ID); err != nil {
			return domain.Task{}, err
		}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	extraJSON, err := marshalExtra(opts.Extra)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:           id,
		ProjectID:    opts.ProjectID,
		ParentID:     optionalString(opts.ParentID),
		Subject:      opts.Subject,
		TaskType:     opts.TaskType,
		Description:  opts.Description,
		Status:       domain.StatusOpen,
		Assignee:     optionalString(opts.Assignee),
		ExpectedTime: opts.ExpectedTime,
		IsGroup:      opts.IsGroup,
		TemplateRef:  optionalString(opts.TemplateRef),
		ExtraJSON:    extraJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, t.ID, opts.ActorID, events.EventPayload{"subject": t.Subject, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

func (e Engine) ensureNoCycle(ctx context.Context, parentID, childID string) error {
	// climb up parent chain to ensure no cycle
	cur := parentID
	for cur != "" {
		t, err := e.Repo.GetTask(ctx, cur)
		if err != nil {
			return err
		}
		if t.ParentID == nil {
			return nil
		}
		if *t.ParentID == childID {
			return errors.New("task hierarchy cycle detected")
		}
		cur = *t.ParentID
	}
	return nil
}

// TaskEditOptions encapsulates allowed edits. Nil pointer fields are left unchanged.
type TaskEditOptions struct {
	ID           string
	Subject      *string
	TaskType     *string
	Description  *string
	ExpectedTime *float64
	Assign       *string
	AddDeps      []string
	RemoveDeps   []string
	Extra        map[string]any
	ActorID      string
}

// EditTask updates task fields. Completed tasks and ready-to-close projects
// are frozen.
func (e Engine) EditTask(ctx context.Context, opts TaskEditOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusCompleted {
		return t, ErrTaskCompleted
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if p.ReadyToClose {
		return t, ErrProjectReadyToClose
	}
	if opts.Subject != nil {
		if *opts.Subject == "" {
			return t, ErrSubjectRequired
		}
		t.Subject = *opts.Subject
	}
	if opts.TaskType != nil {
		if *opts.TaskType != "" && !e.Config.HasTaskType(*opts.TaskType) {
			return t, fmt.Errorf("unknown task type %s", *opts.TaskType)
		}
		t.TaskType = *opts.TaskType
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.ExpectedTime != nil {
		if *opts.ExpectedTime < 0 {
			return t, errors.New("expected_time must not be negative")
		}
		t.ExpectedTime = *opts.ExpectedTime
	}
	if opts.Assign != nil {
		if *opts.Assign == "" {
			t.Assignee = nil
		} else {
			t.Assignee = opts.Assign
		}
	}
	if opts.Extra != nil {
		extraJSON, err := mergeExtra(t.ExtraJSON, opts.Extra)
		if err != nil {
			return t, err
		}
		t.ExtraJSON = extraJSON
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if len(opts.AddDeps) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.AddDeps); err != nil {
			return t, err
		}
	}
	if len(opts.RemoveDeps) > 0 {
		if err := e.Repo.RemoveDependencies(ctx, tx, t.ID, opts.RemoveDeps); err != nil {
			return t, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, t.ID, opts.ActorID, events.EventPayload{"subject": t.Subject}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	deps, err := e.Repo.ListTaskDependencies(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

// StartTask opens a running timelog and moves Open -> Working.
func (e Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.clockIn(ctx, taskID, actorID, domain.StatusOpen, "task.started")
}

// ResumeTask opens a new timelog and moves On Hold -> Working.
func (e Engine) ResumeTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.clockIn(ctx, taskID, actorID, domain.StatusOnHold, "task.resumed")
}

func (e Engine) clockIn(ctx context.Context, taskID, actorID, fromStatus, evtType string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.IsGroup {
		return t, ErrGroupTask
	}
	if t.Status != fromStatus {
		return t, TransitionError{From: t.Status, To: domain.StatusWorking}
	}
	if err := ensureTaskTransition(t.Status, domain.StatusWorking); err != nil {
		return t, err
	}
	if t.Assignee == nil || *t.Assignee == "" {
		return t, ErrAssigneeRequired
	}
	if t.Status == domain.StatusOpen {
		n, err := e.Repo.CountIncompleteDependencies(ctx, tx, t.ID)
		if err != nil {
			return t, err
		}
		if n > 0 {
			return t, ErrDependenciesIncomplete
		}
	}
	busy, err := e.Repo.AssigneeHasWorkingTask(ctx, tx, *t.Assignee, t.ID)
	if err != nil {
		return t, err
	}
	if busy {
		return t, ErrAssigneeBusy
	}
	now := e.now().UTC().Format(time.RFC3339)
	log := domain.Timelog{
		ID:       uuid.New().String(),
		TaskID:   t.ID,
		ActorID:  *t.Assignee,
		FromTime: now,
	}
	if err := e.Repo.InsertTimelog(ctx, tx, log); err != nil {
		return t, err
	}
	t.Status = domain.StatusWorking
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, evtType, t.ProjectID, t.ID, actorID, events.EventPayload{"assignee": *t.Assignee}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// PauseTask closes the running timelog and moves Working -> On Hold.
func (e Engine) PauseTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.IsGroup {
		return t, ErrGroupTask
	}
	if err := ensureTaskTransition(t.Status, domain.StatusOnHold); err != nil {
		return t, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseRunningTimelogs(ctx, tx, t.ID, now, false); err != nil {
		return t, err
	}
	t.Status = domain.StatusOnHold
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.paused", t.ProjectID, t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteTask closes the clock and moves Working/On Hold -> Completed.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.IsGroup {
		return t, ErrGroupTask
	}
	if err := ensureTaskTransition(t.Status, domain.StatusCompleted); err != nil {
		return t, err
	}
	n, err := e.Repo.CountIncompleteDependencies(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	if n > 0 {
		return t, ErrDependenciesIncomplete
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseRunningTimelogs(ctx, tx, t.ID, now, true); err != nil {
		return t, err
	}
	t.Status = domain.StatusCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.ProjectID, t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CancelTask moves any non-terminal task to Cancelled, closing open timelogs.
func (e Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, domain.StatusCancelled); err != nil {
		return t, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseRunningTimelogs(ctx, tx, t.ID, now, false); err != nil {
		return t, err
	}
	t.Status = domain.StatusCancelled
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", t.ProjectID, t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ReopenTask returns a Completed or Cancelled task to Open.
func (e Engine) ReopenTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if p.ReadyToClose {
		return t, ErrProjectReadyToClose
	}
	if err := ensureTaskTransition(t.Status, domain.StatusOpen); err != nil {
		return t, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := t.Status
	t.Status = domain.StatusOpen
	t.UpdatedAt = now
	t.CompletedAt = nil
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.reopened", t.ProjectID, t.ID, actorID, events.EventPayload{"from": from}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// SplitTask reduces the original's expected time to newExpected and creates a
// sibling carrying the remainder. The sibling copies subject, type,
// description, parent, dependencies and extra fields, and starts Open.
func (e Engine) SplitTask(ctx context.Context, taskID string, newExpected float64, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.IsGroup {
		return domain.Task{}, ErrGroupTask
	}
	if domain.TerminalStatus(t.Status) {
		return domain.Task{}, TransitionError{From: t.Status, To: t.Status}
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, t.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if p.ReadyToClose {
		return domain.Task{}, ErrProjectReadyToClose
	}
	if newExpected <= 0 || newExpected >= t.ExpectedTime {
		return domain.Task{}, fmt.Errorf("new expected time must be between 0 and %g", t.ExpectedTime)
	}
	now := e.now().UTC().Format(time.RFC3339)
	remainder := t.ExpectedTime - newExpected
	sibling := domain.Task{
		ID:           uuid.New().String(),
		ProjectID:    t.ProjectID,
		ParentID:     t.ParentID,
		Subject:      t.Subject + " (split)",
		TaskType:     t.TaskType,
		Description:  t.Description,
		Status:       domain.StatusOpen,
		ExpectedTime: remainder,
		ExtraJSON:    t.ExtraJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertTask(ctx, tx, sibling); err != nil {
		return domain.Task{}, err
	}
	if len(t.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, sibling.ID, t.DependsOn); err != nil {
			return domain.Task{}, err
		}
	}
	t.ExpectedTime = newExpected
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.split", t.ProjectID, t.ID, actorID, events.EventPayload{
		"sibling_id":     sibling.ID,
		"expected_time":  newExpected,
		"remainder_time": remainder,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	sibling.DependsOn = t.DependsOn
	return sibling, nil
}

// CreateTemplateTasks materializes the project's service templates as Open
// tasks. Tasks whose template ref already exists are skipped, so the call is
// idempotent.
func (e Engine) CreateTemplateTasks(ctx context.Context, projectID, actorID string) ([]domain.Task, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.ReadyToClose {
		return nil, ErrProjectReadyToClose
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	var created []domain.Task
	for _, tplName := range p.ServiceTemplates {
		tpl, ok := e.Config.Templates[tplName]
		if !ok {
			return nil, fmt.Errorf("service template %s not in catalog", tplName)
		}
		for i, tt := range tpl.Tasks {
			ref := fmt.Sprintf("%s/%d", tplName, i)
			exists, err := e.Repo.HasTemplateTask(ctx, tx, projectID, ref)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			t := domain.Task{
				ID:           uuid.New().String(),
				ProjectID:    projectID,
				Subject:      tt.Subject,
				TaskType:     tt.TaskType,
				Description:  tt.Description,
				Status:       domain.StatusOpen,
				ExpectedTime: tt.ExpectedTime,
				TemplateRef:  &ref,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
				return nil, err
			}
			created = append(created, t)
		}
	}
	if len(created) > 0 {
		ids := make([]string, len(created))
		for i, t := range created {
			ids[i] = t.ID
		}
		if err := e.Events.Append(ctx, tx, "template.tasks.created", projectID, "", actorID, events.EventPayload{"task_ids": ids}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalExtra(extra map[string]any) (*string, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func mergeExtra(current *string, extra map[string]any) (*string, error) {
	merged := map[string]any{}
	if current != nil && *current != "" {
		if err := json.Unmarshal([]byte(*current), &merged); err != nil {
			return nil, fmt.Errorf("extra fields JSON: %w", err)
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	return marshalExtra(merged)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
