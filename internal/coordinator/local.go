package coordinator

import (
	"context"

	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/engine/auth"
)

// LocalService adapts the in-process engine to the coordinator Service,
// computing eligibility with the given actor capabilities.
type LocalService struct {
	Engine engine.Engine
	Caps   auth.Capabilities
}

func NewLocalService(eng engine.Engine, caps auth.Capabilities) LocalService {
	return LocalService{Engine: eng, Caps: caps}
}

func (s LocalService) Task(ctx context.Context, taskID string) (domain.Task, error) {
	return s.Engine.Repo.GetTask(ctx, taskID)
}

func (s LocalService) Project(ctx context.Context, projectID string) (domain.Project, error) {
	return s.Engine.Repo.GetProject(ctx, projectID)
}

func (s LocalService) Actions(ctx context.Context, taskID string) (domain.ActionConditions, error) {
	t, err := s.Engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.ActionConditions{}, err
	}
	p, err := s.Engine.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return domain.ActionConditions{}, err
	}
	return engine.ActionConditionsFor(t, p, s.Caps), nil
}

func (s LocalService) Start(ctx context.Context, taskID string) error {
	_, err := s.Engine.StartTask(ctx, taskID, s.Caps.ActorID)
	return err
}

func (s LocalService) Pause(ctx context.Context, taskID string) error {
	_, err := s.Engine.PauseTask(ctx, taskID, s.Caps.ActorID)
	return err
}

func (s LocalService) Resume(ctx context.Context, taskID string) error {
	_, err := s.Engine.ResumeTask(ctx, taskID, s.Caps.ActorID)
	return err
}

func (s LocalService) Complete(ctx context.Context, taskID string) error {
	_, err := s.Engine.CompleteTask(ctx, taskID, s.Caps.ActorID)
	return err
}

func (s LocalService) Cancel(ctx context.Context, taskID string) error {
	_, err := s.Engine.CancelTask(ctx, taskID, s.Caps.ActorID)
	return err
}

func (s LocalService) Reopen(ctx context.Context, taskID string) error {
	_, err := s.Engine.ReopenTask(ctx, taskID, s.Caps.ActorID)
	return err
}

func (s LocalService) Split(ctx context.Context, taskID string, newExpectedTime float64) (domain.Task, error) {
	return s.Engine.SplitTask(ctx, taskID, newExpectedTime, s.Caps.ActorID)
}

func (s LocalService) Create(ctx context.Context, req CreateRequest) (domain.Task, error) {
	return s.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		ProjectID:    req.ProjectID,
		ParentID:     req.ParentID,
		Subject:      req.Subject,
		TaskType:     req.TaskType,
		Description:  req.Description,
		ExpectedTime: req.ExpectedTime,
		Extra:        req.Extra,
		ActorID:      s.Caps.ActorID,
	})
}

func (s LocalService) Edit(ctx context.Context, taskID string, req EditRequest) (domain.Task, error) {
	return s.Engine.EditTask(ctx, engine.TaskEditOptions{
		ID:           taskID,
		Subject:      req.Subject,
		TaskType:     req.TaskType,
		Description:  req.Description,
		ExpectedTime: req.ExpectedTime,
		Extra:        req.Extra,
		ActorID:      s.Caps.ActorID,
	})
}

func (s LocalService) CreateTemplateTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.Engine.CreateTemplateTasks(ctx, projectID, s.Caps.ActorID)
}
