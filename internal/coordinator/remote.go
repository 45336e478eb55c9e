package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"taskline/internal/domain"
	tasksdk "taskline/sdk/go"
)

// RemoteService adapts the HTTP SDK client to the coordinator Service. The
// client is bound to a single project; calls naming a different project are
// rejected rather than silently routed to the bound one.
type RemoteService struct {
	Client *tasksdk.Client
}

func (s RemoteService) checkProject(projectID string) error {
	if projectID != "" && projectID != s.Client.ProjectID {
		return fmt.Errorf("client is bound to project %q, got %q", s.Client.ProjectID, projectID)
	}
	return nil
}

func NewRemoteService(client *tasksdk.Client) RemoteService {
	return RemoteService{Client: client}
}

func (s RemoteService) Task(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := s.Client.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return sdkTask(t), nil
}

func (s RemoteService) Project(ctx context.Context, projectID string) (domain.Project, error) {
	p, err := s.Client.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	return domain.Project{
		ID:               p.ID,
		Name:             p.Name,
		Kind:             p.Kind,
		ReadyToClose:     p.ReadyToClose,
		ServiceTemplates: p.ServiceTemplates,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}, nil
}

func (s RemoteService) Actions(ctx context.Context, taskID string) (domain.ActionConditions, error) {
	c, err := s.Client.TaskActions(ctx, taskID)
	if err != nil {
		return domain.ActionConditions{}, err
	}
	return domain.ActionConditions{
		StartTask:    c.StartTask,
		CompleteTask: c.CompleteTask,
		PauseTask:    c.PauseTask,
		ResumeTask:   c.ResumeTask,
		ReopenTask:   c.ReopenTask,
		EditTask:     c.EditTask,
		SplitTask:    c.SplitTask,
		CancelTask:   c.CancelTask,
	}, nil
}

func (s RemoteService) Start(ctx context.Context, taskID string) error {
	_, err := s.Client.RunAction(ctx, taskID, "start")
	return err
}

func (s RemoteService) Pause(ctx context.Context, taskID string) error {
	_, err := s.Client.RunAction(ctx, taskID, "pause")
	return err
}

func (s RemoteService) Resume(ctx context.Context, taskID string) error {
	_, err := s.Client.RunAction(ctx, taskID, "resume")
	return err
}

func (s RemoteService) Complete(ctx context.Context, taskID string) error {
	_, err := s.Client.RunAction(ctx, taskID, "complete")
	return err
}

func (s RemoteService) Cancel(ctx context.Context, taskID string) error {
	_, err := s.Client.RunAction(ctx, taskID, "cancel")
	return err
}

func (s RemoteService) Reopen(ctx context.Context, taskID string) error {
	_, err := s.Client.RunAction(ctx, taskID, "reopen")
	return err
}

func (s RemoteService) Split(ctx context.Context, taskID string, newExpectedTime float64) (domain.Task, error) {
	t, err := s.Client.SplitTask(ctx, taskID, newExpectedTime)
	if err != nil {
		return domain.Task{}, err
	}
	return sdkTask(t), nil
}

func (s RemoteService) Create(ctx context.Context, req CreateRequest) (domain.Task, error) {
	if err := s.checkProject(req.ProjectID); err != nil {
		return domain.Task{}, err
	}
	t, err := s.Client.CreateTask(ctx, tasksdk.CreateTaskRequest{
		Subject:      req.Subject,
		TaskType:     req.TaskType,
		ParentID:     req.ParentID,
		Description:  req.Description,
		ExpectedTime: req.ExpectedTime,
		Extra:        req.Extra,
	})
	if err != nil {
		return domain.Task{}, err
	}
	return sdkTask(t), nil
}

func (s RemoteService) Edit(ctx context.Context, taskID string, req EditRequest) (domain.Task, error) {
	t, err := s.Client.EditTask(ctx, taskID, tasksdk.EditTaskRequest{
		Subject:      req.Subject,
		TaskType:     req.TaskType,
		Description:  req.Description,
		ExpectedTime: req.ExpectedTime,
		Extra:        req.Extra,
	})
	if err != nil {
		return domain.Task{}, err
	}
	return sdkTask(t), nil
}

func (s RemoteService) CreateTemplateTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if err := s.checkProject(projectID); err != nil {
		return nil, err
	}
	created, err := s.Client.CreateTemplateTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(created))
	for _, t := range created {
		out = append(out, sdkTask(t))
	}
	return out, nil
}

func sdkTask(t tasksdk.Task) domain.Task {
	out := domain.Task{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		Subject:      t.Subject,
		TaskType:     t.TaskType,
		Description:  t.Description,
		Status:       t.Status,
		ExpectedTime: t.ExpectedTime,
		ActualTime:   t.ActualTime,
		IsGroup:      t.IsGroup,
		DependsOn:    t.DependsOn,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.ParentID != "" {
		v := t.ParentID
		out.ParentID = &v
	}
	if t.Assignee != "" {
		v := t.Assignee
		out.Assignee = &v
	}
	if t.TemplateRef != "" {
		v := t.TemplateRef
		out.TemplateRef = &v
	}
	if t.CompletedAt != "" {
		v := t.CompletedAt
		out.CompletedAt = &v
	}
	if len(t.Extra) > 0 {
		if b, err := json.Marshal(t.Extra); err == nil {
			s := string(b)
			out.ExtraJSON = &s
		}
	}
	return out
}
