package coordinator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"taskline/internal/domain"
)

// fakeService records calls and serves canned data.
type fakeService struct {
	mu      sync.Mutex
	task    domain.Task
	project domain.Project
	cond    domain.ActionConditions
	calls   []string
	errs    map[string]error
	block   chan struct{} // when set, Start blocks until closed
	entered chan struct{}

	lastCreate CreateRequest
	lastEdit   EditRequest
}

func newFakeService() *fakeService {
	return &fakeService{
		task:    domain.Task{ID: "t-1", ProjectID: "proj-1", Subject: "Inspect", Status: domain.StatusOpen, ExpectedTime: 4},
		project: domain.Project{ID: "proj-1", Name: "Demo"},
		errs:    map[string]error{},
	}
}

func (f *fakeService) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeService) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeService) Task(ctx context.Context, taskID string) (domain.Task, error) {
	f.record("task")
	return f.task, f.errs["task"]
}

func (f *fakeService) Project(ctx context.Context, projectID string) (domain.Project, error) {
	f.record("project")
	return f.project, f.errs["project"]
}

func (f *fakeService) Actions(ctx context.Context, taskID string) (domain.ActionConditions, error) {
	f.record("actions")
	return f.cond, f.errs["actions"]
}

func (f *fakeService) Start(ctx context.Context, taskID string) error {
	f.record("start")
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.block != nil {
		<-f.block
	}
	return f.errs["start"]
}

func (f *fakeService) Pause(ctx context.Context, taskID string) error {
	f.record("pause")
	return f.errs["pause"]
}

func (f *fakeService) Resume(ctx context.Context, taskID string) error {
	f.record("resume")
	return f.errs["resume"]
}

func (f *fakeService) Complete(ctx context.Context, taskID string) error {
	f.record("complete")
	return f.errs["complete"]
}

func (f *fakeService) Cancel(ctx context.Context, taskID string) error {
	f.record("cancel")
	return f.errs["cancel"]
}

func (f *fakeService) Reopen(ctx context.Context, taskID string) error {
	f.record("reopen")
	return f.errs["reopen"]
}

func (f *fakeService) Split(ctx context.Context, taskID string, newExpectedTime float64) (domain.Task, error) {
	f.record("split")
	sibling := f.task
	sibling.ID = "t-2"
	sibling.ExpectedTime = f.task.ExpectedTime - newExpectedTime
	return sibling, f.errs["split"]
}

func (f *fakeService) Create(ctx context.Context, req CreateRequest) (domain.Task, error) {
	f.record("create")
	f.mu.Lock()
	f.lastCreate = req
	f.mu.Unlock()
	return domain.Task{ID: "t-new", Subject: req.Subject}, f.errs["create"]
}

func (f *fakeService) Edit(ctx context.Context, taskID string, req EditRequest) (domain.Task, error) {
	f.record("edit")
	f.mu.Lock()
	f.lastEdit = req
	f.mu.Unlock()
	return f.task, f.errs["edit"]
}

func (f *fakeService) CreateTemplateTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	f.record("template-tasks")
	return nil, f.errs["template-tasks"]
}

func alwaysConfirm(answer bool) ConfirmerFunc {
	return func(ctx context.Context, prompt string) (bool, error) { return answer, nil }
}

type reloadCounter struct {
	mu sync.Mutex
	n  int
}

func (r *reloadCounter) fn(ctx context.Context, taskID string) error {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
	return nil
}

func (r *reloadCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func TestActionsFromMatchesEligibilityExactly(t *testing.T) {
	cond := domain.ActionConditions{StartTask: true, EditTask: true, CancelTask: true}
	got := ActionsFrom(cond)
	want := []Action{ActionStart, ActionEdit, ActionCancel}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if len(ActionsFrom(domain.ActionConditions{})) != 0 {
		t.Fatalf("empty set should offer nothing")
	}
}

func TestRunDisabledActionMakesNoCall(t *testing.T) {
	svc := newFakeService()
	reload := &reloadCounter{}
	co := New(svc, WithReload(reload.fn))

	err := co.Run(context.Background(), "t-1", ActionComplete, domain.ActionConditions{StartTask: true})
	if !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("expected ErrActionUnavailable, got %v", err)
	}
	if len(svc.calls) != 0 {
		t.Fatalf("expected zero service calls, got %v", svc.calls)
	}
	if reload.count() != 0 {
		t.Fatalf("expected no reload")
	}
}

func TestCancelDeclinedMakesNoCall(t *testing.T) {
	svc := newFakeService()
	reload := &reloadCounter{}
	co := New(svc, WithConfirmer(alwaysConfirm(false)), WithReload(reload.fn))

	err := co.Run(context.Background(), "t-1", ActionCancel, domain.ActionConditions{CancelTask: true})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if len(svc.calls) != 0 {
		t.Fatalf("declined cancel must not touch the service, got %v", svc.calls)
	}
	if reload.count() != 0 {
		t.Fatalf("declined cancel must not reload")
	}
}

func TestCancelConfirmedCallsOnceAndReloads(t *testing.T) {
	svc := newFakeService()
	reload := &reloadCounter{}
	co := New(svc, WithConfirmer(alwaysConfirm(true)), WithReload(reload.fn))

	if err := co.Run(context.Background(), "t-1", ActionCancel, domain.ActionConditions{CancelTask: true}); err != nil {
		t.Fatalf("run cancel: %v", err)
	}
	if svc.callCount("cancel") != 1 {
		t.Fatalf("expected exactly one cancel call, got %v", svc.calls)
	}
	if reload.count() != 1 {
		t.Fatalf("expected exactly one reload, got %d", reload.count())
	}
}

func TestDoubleInvokeReturnsBusy(t *testing.T) {
	svc := newFakeService()
	svc.block = make(chan struct{})
	svc.entered = make(chan struct{})
	entered := svc.entered
	reload := &reloadCounter{}
	co := New(svc, WithReload(reload.fn))
	cond := domain.ActionConditions{StartTask: true}

	done := make(chan error, 1)
	go func() {
		done <- co.Run(context.Background(), "t-1", ActionStart, cond)
	}()
	<-entered

	if err := co.Run(context.Background(), "t-1", ActionStart, cond); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(svc.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if svc.callCount("start") != 1 {
		t.Fatalf("expected one start call, got %v", svc.calls)
	}
	if reload.count() != 1 {
		t.Fatalf("expected one reload, got %d", reload.count())
	}
}

func TestFailedActionDoesNotReload(t *testing.T) {
	svc := newFakeService()
	svc.errs["start"] = errors.New("boom")
	reload := &reloadCounter{}
	co := New(svc, WithReload(reload.fn))

	if err := co.Run(context.Background(), "t-1", ActionStart, domain.ActionConditions{StartTask: true}); err == nil {
		t.Fatalf("expected error")
	}
	if reload.count() != 0 {
		t.Fatalf("failed action must not reload")
	}
}

func TestRunLatestFetchesConditions(t *testing.T) {
	svc := newFakeService()
	svc.cond = domain.ActionConditions{StartTask: true}
	co := New(svc)

	if err := co.RunLatest(context.Background(), "t-1", ActionStart); err != nil {
		t.Fatalf("run latest: %v", err)
	}
	if svc.callCount("actions") != 1 || svc.callCount("start") != 1 {
		t.Fatalf("unexpected calls %v", svc.calls)
	}
	// pause is not in the set
	if err := co.RunLatest(context.Background(), "t-1", ActionPause); !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("expected ErrActionUnavailable, got %v", err)
	}
	if svc.callCount("pause") != 0 {
		t.Fatalf("pause must not be called")
	}
}

func TestRunSplit(t *testing.T) {
	svc := newFakeService()
	reload := &reloadCounter{}
	co := New(svc, WithReload(reload.fn))

	if _, err := co.RunSplit(context.Background(), "t-1", 1.5, domain.ActionConditions{}); !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	sibling, err := co.RunSplit(context.Background(), "t-1", 1.5, domain.ActionConditions{SplitTask: true})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if sibling.ID != "t-2" || sibling.ExpectedTime != 2.5 {
		t.Fatalf("unexpected sibling %+v", sibling)
	}
	if svc.callCount("split") != 1 || reload.count() != 1 {
		t.Fatalf("expected one split and one reload, got %v reloads=%d", svc.calls, reload.count())
	}
}
