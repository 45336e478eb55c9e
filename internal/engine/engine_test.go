package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/engine/auth"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	clock := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock}
}

func (env testEnv) createTask(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "Inspect boiler", TaskType: "inspection", Assignee: "alice", ExpectedTime: 2})
	if task.Status != domain.StatusOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}

	task, err := env.Engine.StartTask(env.Ctx, task.ID, "alice")
	if err != nil || task.Status != domain.StatusWorking {
		t.Fatalf("start: %v status=%s", err, task.Status)
	}
	// starting a working task is not a valid transition
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "alice"); err == nil {
		t.Fatalf("expected transition error on second start")
	}

	task, err = env.Engine.PauseTask(env.Ctx, task.ID, "alice")
	if err != nil || task.Status != domain.StatusOnHold {
		t.Fatalf("pause: %v status=%s", err, task.Status)
	}
	// start targets Open only; On Hold resumes
	var te engine.TransitionError
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "alice"); !errors.As(err, &te) {
		t.Fatalf("expected TransitionError starting on-hold task, got %v", err)
	}

	task, err = env.Engine.ResumeTask(env.Ctx, task.ID, "alice")
	if err != nil || task.Status != domain.StatusWorking {
		t.Fatalf("resume: %v status=%s", err, task.Status)
	}

	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, "alice")
	if err != nil || task.Status != domain.StatusCompleted {
		t.Fatalf("complete: %v status=%s", err, task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err == nil {
		t.Fatalf("expected error completing a completed task")
	}
}

func TestStartRequiresAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "Unassigned"})
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); !errors.Is(err, engine.ErrAssigneeRequired) {
		t.Fatalf("expected ErrAssigneeRequired, got %v", err)
	}
}

func TestAssigneeSingleWorkingTask(t *testing.T) {
	env := newTestEnv(t)
	first := env.createTask(t, engine.TaskCreateOptions{Subject: "First", Assignee: "alice"})
	second := env.createTask(t, engine.TaskCreateOptions{Subject: "Second", Assignee: "alice"})

	if _, err := env.Engine.StartTask(env.Ctx, first.ID, "alice"); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, second.ID, "alice"); !errors.Is(err, engine.ErrAssigneeBusy) {
		t.Fatalf("expected ErrAssigneeBusy, got %v", err)
	}
	// pausing the first frees the assignee
	if _, err := env.Engine.PauseTask(env.Ctx, first.ID, "alice"); err != nil {
		t.Fatalf("pause first: %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, second.ID, "alice"); err != nil {
		t.Fatalf("start second after pause: %v", err)
	}
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createTask(t, engine.TaskCreateOptions{Subject: "dep", Assignee: "alice"})
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "main", Assignee: "bob", DependsOn: []string{dep.ID}})

	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "bob"); !errors.Is(err, engine.ErrDependenciesIncomplete) {
		t.Fatalf("expected dependency blocking on start, got %v", err)
	}

	if _, err := env.Engine.StartTask(env.Ctx, dep.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, dep.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.StartTask(env.Ctx, task.ID, "bob")
	if err != nil {
		t.Fatalf("expected start after deps complete: %v", err)
	}
	if task.Status != domain.StatusWorking {
		t.Fatalf("unexpected status %s", task.Status)
	}
}

func TestCancelAndReopen(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "cancel me", Assignee: "alice"})

	task, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.StatusCancelled {
		t.Fatalf("cancel open task: %v status=%s", err, task.Status)
	}
	// cancelling again is invalid
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester"); err == nil {
		t.Fatalf("expected error cancelling cancelled task")
	}
	task, err = env.Engine.ReopenTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.StatusOpen {
		t.Fatalf("reopen cancelled: %v status=%s", err, task.Status)
	}

	// completed tasks reopen to Open and lose completed_at
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.ReopenTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.StatusOpen {
		t.Fatalf("reopen completed: %v status=%s", err, task.Status)
	}
	if task.CompletedAt != nil {
		t.Fatalf("expected completed_at cleared on reopen")
	}
}

func TestGroupTaskHasNoClock(t *testing.T) {
	env := newTestEnv(t)
	group := env.createTask(t, engine.TaskCreateOptions{Subject: "group", IsGroup: true, Assignee: "alice"})

	if _, err := env.Engine.StartTask(env.Ctx, group.ID, "alice"); !errors.Is(err, engine.ErrGroupTask) {
		t.Fatalf("expected ErrGroupTask on start, got %v", err)
	}
	if _, err := env.Engine.SplitTask(env.Ctx, group.ID, 1, "tester"); !errors.Is(err, engine.ErrGroupTask) {
		t.Fatalf("expected ErrGroupTask on split, got %v", err)
	}
	// cancel still works on group tasks
	if _, err := env.Engine.CancelTask(env.Ctx, group.ID, "tester"); err != nil {
		t.Fatalf("cancel group: %v", err)
	}
}

func TestSplitTask(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createTask(t, engine.TaskCreateOptions{Subject: "dep"})
	task := env.createTask(t, engine.TaskCreateOptions{
		Subject: "Perform repair", TaskType: "repair", ExpectedTime: 4, DependsOn: []string{dep.ID},
	})

	sibling, err := env.Engine.SplitTask(env.Ctx, task.ID, 1.5, "tester")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if sibling.ExpectedTime != 2.5 {
		t.Fatalf("expected remainder 2.5, got %g", sibling.ExpectedTime)
	}
	if sibling.Status != domain.StatusOpen {
		t.Fatalf("sibling should start open, got %s", sibling.Status)
	}
	if sibling.TaskType != "repair" || sibling.Subject != "Perform repair (split)" {
		t.Fatalf("sibling did not inherit fields: %+v", sibling)
	}
	if len(sibling.DependsOn) != 1 || sibling.DependsOn[0] != dep.ID {
		t.Fatalf("sibling should inherit dependencies, got %v", sibling.DependsOn)
	}
	updated, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ExpectedTime != 1.5 {
		t.Fatalf("original expected time not reduced: %g", updated.ExpectedTime)
	}

	// bounds: new expected must be strictly inside (0, expected)
	if _, err := env.Engine.SplitTask(env.Ctx, task.ID, 0, "tester"); err == nil {
		t.Fatalf("expected error for zero split")
	}
	if _, err := env.Engine.SplitTask(env.Ctx, task.ID, 1.5, "tester"); err == nil {
		t.Fatalf("expected error for split equal to expected time")
	}

	// terminal tasks cannot be split
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SplitTask(env.Ctx, task.ID, 0.5, "tester"); err == nil {
		t.Fatalf("expected error splitting cancelled task")
	}
}

func TestTimelogsAccumulateActualTime(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "clocked", Assignee: "alice", ExpectedTime: 3})

	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(time.Hour)
	if _, err := env.Engine.PauseTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(30 * time.Minute)
	if _, err := env.Engine.ResumeTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(30 * time.Minute)
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	logs, err := env.Engine.Repo.ListTimelogs(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 timelogs, got %d", len(logs))
	}
	for _, l := range logs {
		if l.ToTime == nil {
			t.Fatalf("expected all timelogs closed")
		}
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 1h + 0.5h of on-clock time
	if got.ActualTime < 1.49 || got.ActualTime > 1.51 {
		t.Fatalf("expected actual_time ~1.5, got %g", got.ActualTime)
	}
}

func TestTemplateTasksIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpdateProject(env.Ctx, "proj-1", repo.ProjectUpdate{ServiceTemplates: []string{"standard-service"}}); err != nil {
		t.Fatal(err)
	}
	created, err := env.Engine.CreateTemplateTasks(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("template tasks: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 template tasks, got %d", len(created))
	}
	for _, c := range created {
		if c.TemplateRef == nil {
			t.Fatalf("expected template ref on %s", c.Subject)
		}
	}
	again, err := env.Engine.CreateTemplateTasks(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no tasks on second run, got %d", len(again))
	}
}

func TestReadyToCloseFreezesProject(t *testing.T) {
	env := newTestEnv(t)
	open := env.createTask(t, engine.TaskCreateOptions{Subject: "open"})
	done := env.createTask(t, engine.TaskCreateOptions{Subject: "done", Assignee: "alice"})
	if _, err := env.Engine.StartTask(env.Ctx, done.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, done.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	p, err := env.Engine.SetReadyToClose(env.Ctx, "proj-1", true, "tester")
	if err != nil || !p.ReadyToClose {
		t.Fatalf("set ready-to-close: %v", err)
	}

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Subject: "late", ActorID: "tester"}); !errors.Is(err, engine.ErrProjectReadyToClose) {
		t.Fatalf("expected create blocked, got %v", err)
	}
	subject := "renamed"
	if _, err := env.Engine.EditTask(env.Ctx, engine.TaskEditOptions{ID: open.ID, Subject: &subject, ActorID: "tester"}); !errors.Is(err, engine.ErrProjectReadyToClose) {
		t.Fatalf("expected edit blocked, got %v", err)
	}
	if _, err := env.Engine.ReopenTask(env.Ctx, done.ID, "tester"); !errors.Is(err, engine.ErrProjectReadyToClose) {
		t.Fatalf("expected reopen blocked, got %v", err)
	}
	if _, err := env.Engine.SplitTask(env.Ctx, open.ID, 0.5, "tester"); !errors.Is(err, engine.ErrProjectReadyToClose) {
		t.Fatalf("expected split blocked, got %v", err)
	}
	// the clock keeps running on existing tasks
	assignee := "alice"
	if _, err := env.Engine.SetReadyToClose(env.Ctx, "proj-1", false, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EditTask(env.Ctx, engine.TaskEditOptions{ID: open.ID, Assign: &assignee, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetReadyToClose(env.Ctx, "proj-1", true, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, open.ID, "alice"); err != nil {
		t.Fatalf("expected start allowed on ready-to-close project: %v", err)
	}
}

func TestEditCompletedTaskRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "finish me", Assignee: "alice"})
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	subject := "too late"
	if _, err := env.Engine.EditTask(env.Ctx, engine.TaskEditOptions{ID: task.ID, Subject: &subject, ActorID: "tester"}); !errors.Is(err, engine.ErrTaskCompleted) {
		t.Fatalf("expected ErrTaskCompleted, got %v", err)
	}
}

func TestActionConditions(t *testing.T) {
	project := domain.Project{ID: "proj-1"}
	alice := "alice"
	full := auth.Capabilities{ActorID: "tester", CanCreate: true, CanWrite: true, CanClock: true}

	open := domain.Task{Status: domain.StatusOpen, Assignee: &alice}
	c := engine.ActionConditionsFor(open, project, full)
	if !c.StartTask || c.PauseTask || c.ResumeTask || c.CompleteTask || c.ReopenTask || !c.EditTask || !c.SplitTask || !c.CancelTask {
		t.Fatalf("open conditions wrong: %+v", c)
	}

	working := domain.Task{Status: domain.StatusWorking, Assignee: &alice}
	c = engine.ActionConditionsFor(working, project, full)
	if c.StartTask || !c.PauseTask || c.ResumeTask || !c.CompleteTask || c.ReopenTask {
		t.Fatalf("working conditions wrong: %+v", c)
	}

	onHold := domain.Task{Status: domain.StatusOnHold, Assignee: &alice}
	c = engine.ActionConditionsFor(onHold, project, full)
	if c.StartTask || c.PauseTask || !c.ResumeTask || !c.CompleteTask {
		t.Fatalf("on-hold conditions wrong: %+v", c)
	}

	completed := domain.Task{Status: domain.StatusCompleted, Assignee: &alice}
	c = engine.ActionConditionsFor(completed, project, full)
	if c.StartTask || c.PauseTask || c.ResumeTask || c.CompleteTask || !c.ReopenTask || c.EditTask || c.SplitTask || c.CancelTask {
		t.Fatalf("completed conditions wrong: %+v", c)
	}

	// group tasks never expose the clock or split
	group := domain.Task{Status: domain.StatusOpen, IsGroup: true}
	c = engine.ActionConditionsFor(group, project, full)
	if c.StartTask || c.PauseTask || c.ResumeTask || c.CompleteTask || c.SplitTask {
		t.Fatalf("group conditions wrong: %+v", c)
	}
	if !c.CancelTask || !c.EditTask {
		t.Fatalf("group cancel/edit should remain: %+v", c)
	}

	// the assignee can clock without the task.clock permission
	assigneeOnly := auth.Capabilities{ActorID: "alice"}
	c = engine.ActionConditionsFor(open, project, assigneeOnly)
	if !c.StartTask {
		t.Fatalf("assignee should be able to start own task")
	}
	stranger := auth.Capabilities{ActorID: "bob"}
	c = engine.ActionConditionsFor(open, project, stranger)
	if c.StartTask || c.CancelTask || c.EditTask {
		t.Fatalf("stranger should get no actions: %+v", c)
	}

	// ready_to_close freezes reopen, edit and split but not the clock
	frozen := domain.Project{ID: "proj-1", ReadyToClose: true}
	c = engine.ActionConditionsFor(completed, frozen, full)
	if c.ReopenTask || c.EditTask || c.SplitTask {
		t.Fatalf("ready-to-close should freeze reopen/edit/split: %+v", c)
	}
	c = engine.ActionConditionsFor(open, frozen, full)
	if !c.StartTask || !c.CancelTask {
		t.Fatalf("ready-to-close should keep clock and cancel: %+v", c)
	}
}

func TestEventsLoggedOnTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "evented", Assignee: "alice"})
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "", task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"task.created", "task.started", "task.completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestRoleGrantRequiresManage(t *testing.T) {
	env := newTestEnv(t)
	// tester holds owner (rbac.manage); alice holds nothing yet
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "tester", "alice", "technician"); err != nil {
		t.Fatalf("owner grant: %v", err)
	}
	var forbidden auth.ForbiddenError
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "alice", "bob", "technician"); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	caps, err := env.Engine.ActorCapabilities(env.Ctx, "proj-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !caps.CanClock || caps.CanWrite || caps.CanCreate {
		t.Fatalf("technician caps wrong: %+v", caps)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "proj-1", "tester", "alice", "technician"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	caps, err = env.Engine.ActorCapabilities(env.Ctx, "proj-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if caps.CanClock {
		t.Fatalf("expected caps cleared after revoke")
	}
}

func TestEditTaskReturnsDependencies(t *testing.T) {
	env := newTestEnv(t)
	depA := env.createTask(t, engine.TaskCreateOptions{Subject: "dep a"})
	depB := env.createTask(t, engine.TaskCreateOptions{Subject: "dep b"})
	task := env.createTask(t, engine.TaskCreateOptions{Subject: "main", DependsOn: []string{depA.ID}})

	edited, err := env.Engine.EditTask(env.Ctx, engine.TaskEditOptions{ID: task.ID, AddDeps: []string{depB.ID}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	deps := map[string]bool{}
	for _, d := range edited.DependsOn {
		deps[d] = true
	}
	if len(edited.DependsOn) != 2 || !deps[depA.ID] || !deps[depB.ID] {
		t.Fatalf("expected both dependencies on the edited task, got %v", edited.DependsOn)
	}

	edited, err = env.Engine.EditTask(env.Ctx, engine.TaskEditOptions{ID: task.ID, RemoveDeps: []string{depA.ID}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("remove dep: %v", err)
	}
	if len(edited.DependsOn) != 1 || edited.DependsOn[0] != depB.ID {
		t.Fatalf("expected only %s after removal, got %v", depB.ID, edited.DependsOn)
	}
}
