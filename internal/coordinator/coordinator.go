// Package coordinator mediates between a task form and the remote task
// service. It renders actions strictly from server-computed eligibility
// flags, issues exactly one remote call per confirmed action, and reloads
// the form through an injected continuation after success.
package coordinator

import (
	"context"
	"errors"
	"sync"

	"taskline/internal/domain"
)

type Action string

const (
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionReopen   Action = "reopen"
	ActionEdit     Action = "edit"
	ActionSplit    Action = "split"
	ActionCancel   Action = "cancel"
)

var (
	// ErrDeclined is returned when the user answers no to a confirmation
	// prompt. No remote call has been issued.
	ErrDeclined = errors.New("action declined")
	// ErrBusy is returned when an action for the same task is already in
	// flight. No second remote call is issued.
	ErrBusy = errors.New("action already in progress for this task")
	// ErrActionUnavailable is returned when the requested action is not in
	// the task's eligibility set.
	ErrActionUnavailable = errors.New("action not available for this task")
)

// CreateRequest carries validated dialog values for task creation. Values
// from extension provider fields travel in Extra.
type CreateRequest struct {
	ProjectID    string
	ParentID     string
	Subject      string
	TaskType     string
	Description  string
	ExpectedTime float64
	Extra        map[string]any
}

// EditRequest carries task edits. Nil fields are left unchanged.
type EditRequest struct {
	Subject      *string
	TaskType     *string
	Description  *string
	ExpectedTime *float64
	Extra        map[string]any
}

// Service is the remote surface the coordinator drives. Implementations wrap
// either the local engine or the HTTP SDK client.
type Service interface {
	Task(ctx context.Context, taskID string) (domain.Task, error)
	Project(ctx context.Context, projectID string) (domain.Project, error)
	Actions(ctx context.Context, taskID string) (domain.ActionConditions, error)

	Start(ctx context.Context, taskID string) error
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Reopen(ctx context.Context, taskID string) error
	Split(ctx context.Context, taskID string, newExpectedTime float64) (domain.Task, error)

	Create(ctx context.Context, req CreateRequest) (domain.Task, error)
	Edit(ctx context.Context, taskID string, req EditRequest) (domain.Task, error)
	CreateTemplateTasks(ctx context.Context, projectID string) ([]domain.Task, error)
}

// Confirmer asks the user a yes/no question before destructive actions.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// ReloadFunc is invoked exactly once after each successful action so the
// caller can refresh its view of the task.
type ReloadFunc func(ctx context.Context, taskID string) error

type Option func(*Coordinator)

func WithConfirmer(c Confirmer) Option {
	return func(co *Coordinator) { co.confirm = c }
}

func WithReload(fn ReloadFunc) Option {
	return func(co *Coordinator) { co.reload = fn }
}

func WithFieldProviders(p *FieldProviders) Option {
	return func(co *Coordinator) { co.providers = p }
}

type Coordinator struct {
	svc       Service
	confirm   Confirmer
	reload    ReloadFunc
	providers *FieldProviders

	mu       sync.Mutex
	inflight map[string]bool
}

func New(svc Service, opts ...Option) *Coordinator {
	c := &Coordinator{
		svc:      svc,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.providers == nil {
		c.providers = NewFieldProviders()
	}
	return c
}

// ActionsFrom maps an eligibility set to the actions offered to the user, in
// presentation order. Nothing outside the set is ever offered.
func ActionsFrom(c domain.ActionConditions) []Action {
	var actions []Action
	for _, a := range []struct {
		action Action
		on     bool
	}{
		{ActionStart, c.StartTask},
		{ActionComplete, c.CompleteTask},
		{ActionPause, c.PauseTask},
		{ActionResume, c.ResumeTask},
		{ActionReopen, c.ReopenTask},
		{ActionEdit, c.EditTask},
		{ActionSplit, c.SplitTask},
		{ActionCancel, c.CancelTask},
	} {
		if a.on {
			actions = append(actions, a.action)
		}
	}
	return actions
}

func enabled(c domain.ActionConditions, a Action) bool {
	switch a {
	case ActionStart:
		return c.StartTask
	case ActionComplete:
		return c.CompleteTask
	case ActionPause:
		return c.PauseTask
	case ActionResume:
		return c.ResumeTask
	case ActionReopen:
		return c.ReopenTask
	case ActionEdit:
		return c.EditTask
	case ActionSplit:
		return c.SplitTask
	case ActionCancel:
		return c.CancelTask
	}
	return false
}

// Task fetches the current task snapshot from the service.
func (c *Coordinator) Task(ctx context.Context, taskID string) (domain.Task, error) {
	return c.svc.Task(ctx, taskID)
}

// Conditions fetches the current server-computed eligibility set.
func (c *Coordinator) Conditions(ctx context.Context, taskID string) (domain.ActionConditions, error) {
	return c.svc.Actions(ctx, taskID)
}

// Available fetches the current eligibility set and returns the offered actions.
func (c *Coordinator) Available(ctx context.Context, taskID string) ([]Action, error) {
	cond, err := c.svc.Actions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return ActionsFrom(cond), nil
}

func (c *Coordinator) begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] {
		return false
	}
	c.inflight[key] = true
	return true
}

func (c *Coordinator) end(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Run executes one lifecycle action against conditions the caller rendered
// from. Cancel is gated behind the confirmer; a declined prompt returns
// ErrDeclined without touching the service. While an action for the task is
// in flight, further invocations return ErrBusy.
func (c *Coordinator) Run(ctx context.Context, taskID string, action Action, cond domain.ActionConditions) error {
	if !enabled(cond, action) {
		return ErrActionUnavailable
	}
	if !c.begin(taskID) {
		return ErrBusy
	}
	defer c.end(taskID)

	if action == ActionCancel {
		if c.confirm == nil {
			return errors.New("cancel requires a confirmer")
		}
		ok, err := c.confirm.Confirm(ctx, "Cancel this task?")
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeclined
		}
	}

	var err error
	switch action {
	case ActionStart:
		err = c.svc.Start(ctx, taskID)
	case ActionPause:
		err = c.svc.Pause(ctx, taskID)
	case ActionResume:
		err = c.svc.Resume(ctx, taskID)
	case ActionComplete:
		err = c.svc.Complete(ctx, taskID)
	case ActionCancel:
		err = c.svc.Cancel(ctx, taskID)
	case ActionReopen:
		err = c.svc.Reopen(ctx, taskID)
	default:
		return ErrActionUnavailable
	}
	if err != nil {
		return err
	}
	return c.reloadTask(ctx, taskID)
}

// RunLatest fetches the current eligibility set and then runs the action.
func (c *Coordinator) RunLatest(ctx context.Context, taskID string, action Action) error {
	cond, err := c.svc.Actions(ctx, taskID)
	if err != nil {
		return err
	}
	return c.Run(ctx, taskID, action, cond)
}

// RunSplit executes the split action with the dialog's new expected time.
func (c *Coordinator) RunSplit(ctx context.Context, taskID string, newExpectedTime float64, cond domain.ActionConditions) (domain.Task, error) {
	if !cond.SplitTask {
		return domain.Task{}, ErrActionUnavailable
	}
	if !c.begin(taskID) {
		return domain.Task{}, ErrBusy
	}
	defer c.end(taskID)

	sibling, err := c.svc.Split(ctx, taskID, newExpectedTime)
	if err != nil {
		return domain.Task{}, err
	}
	if err := c.reloadTask(ctx, taskID); err != nil {
		return sibling, err
	}
	return sibling, nil
}

// CreateTemplateTasks triggers template task materialization for a project.
func (c *Coordinator) CreateTemplateTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	key := "template-tasks/" + projectID
	if !c.begin(key) {
		return nil, ErrBusy
	}
	defer c.end(key)
	return c.svc.CreateTemplateTasks(ctx, projectID)
}

func (c *Coordinator) reloadTask(ctx context.Context, taskID string) error {
	if c.reload == nil {
		return nil
	}
	return c.reload(ctx, taskID)
}
