package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"taskline/internal/domain"
)

func fieldNames(fields []Field) []string {
	var names []string
	for _, f := range fields {
		if f.Fieldname != "" {
			names = append(names, f.Fieldname)
		}
	}
	return names
}

func findField(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Fieldname == name {
			return f, true
		}
	}
	return Field{}, false
}

func TestEditDialogLayout(t *testing.T) {
	svc := newFakeService()
	co := New(svc)

	fields, task, err := co.EditTaskFields(context.Background(), "t-1", nil)
	if err != nil {
		t.Fatalf("edit fields: %v", err)
	}
	if task.ID != "t-1" {
		t.Fatalf("unexpected task %+v", task)
	}
	// read-only context fields are pre-populated
	taskField, ok := findField(fields, "task")
	if !ok || !taskField.ReadOnly || taskField.Default != "t-1" {
		t.Fatalf("task field wrong: %+v", taskField)
	}
	projectField, ok := findField(fields, "project")
	if !ok || !projectField.ReadOnly || projectField.Default != "proj-1" {
		t.Fatalf("project field wrong: %+v", projectField)
	}
	subjectField, ok := findField(fields, "subject")
	if !ok || !subjectField.Required || subjectField.Default != "Inspect" {
		t.Fatalf("subject field wrong: %+v", subjectField)
	}
	// free-text description comes last
	names := fieldNames(fields)
	if names[len(names)-1] != "description" {
		t.Fatalf("description should be last, got %v", names)
	}
}

func TestEditDialogSnapshotSkipsFetch(t *testing.T) {
	svc := newFakeService()
	co := New(svc)
	snapshot := domain.Task{ID: "t-9", ProjectID: "proj-1", Subject: "From snapshot"}

	_, task, err := co.EditTaskFields(context.Background(), "t-9", &snapshot)
	if err != nil {
		t.Fatalf("edit fields: %v", err)
	}
	if task.Subject != "From snapshot" {
		t.Fatalf("expected snapshot task, got %+v", task)
	}
	if svc.callCount("task") != 0 {
		t.Fatalf("snapshot must not fetch the task, calls %v", svc.calls)
	}
}

func TestProviderFieldsOrderedAndDeduped(t *testing.T) {
	svc := newFakeService()
	providers := NewFieldProviders()
	providers.Register(ScopeTask, func(task domain.Task, project domain.Project) []Field {
		return []Field{
			{Fieldname: "priority", Label: "Priority", Fieldtype: "Data"},
			{Fieldname: "subject", Label: "Hijack", Fieldtype: "Data"}, // duplicate, dropped
		}
	})
	providers.Register(ScopeTask, func(task domain.Task, project domain.Project) []Field {
		return []Field{
			{Fieldname: "priority", Label: "Second Priority", Fieldtype: "Data"}, // duplicate, dropped
			{Fieldname: "site", Label: "Site", Fieldtype: "Data"},
		}
	})
	co := New(svc, WithFieldProviders(providers))

	fields, _, err := co.EditTaskFields(context.Background(), "t-1", nil)
	if err != nil {
		t.Fatalf("edit fields: %v", err)
	}
	priority, ok := findField(fields, "priority")
	if !ok || priority.Label != "Priority" {
		t.Fatalf("first registration should win: %+v", priority)
	}
	if _, ok := findField(fields, "site"); !ok {
		t.Fatalf("second provider field missing")
	}
	subject, _ := findField(fields, "subject")
	if subject.Label == "Hijack" {
		t.Fatalf("provider must not override built-in subject")
	}
	// registration order preserved: priority before site
	names := fieldNames(fields)
	var pi, si int
	for i, n := range names {
		switch n {
		case "priority":
			pi = i
		case "site":
			si = i
		}
	}
	if pi > si {
		t.Fatalf("provider order lost: %v", names)
	}
}

func TestCreateDialogPrepopulatesContext(t *testing.T) {
	svc := newFakeService()
	co := New(svc)

	fields := co.CreateTaskFields(context.Background(), "proj-1", "t-parent")
	project, ok := findField(fields, "project")
	if !ok || !project.ReadOnly || project.Default != "proj-1" {
		t.Fatalf("project field wrong: %+v", project)
	}
	parent, ok := findField(fields, "parent")
	if !ok || !parent.ReadOnly || parent.Default != "t-parent" {
		t.Fatalf("parent field wrong: %+v", parent)
	}

	// without a parent the field is absent
	fields = co.CreateTaskFields(context.Background(), "proj-1", "")
	if _, ok := findField(fields, "parent"); ok {
		t.Fatalf("parent field should be absent")
	}
}

func TestSubmitCreateSplitsExtraFields(t *testing.T) {
	svc := newFakeService()
	co := New(svc)

	_, err := co.SubmitCreate(context.Background(), "proj-1", map[string]any{
		"subject":       "New task",
		"task_type":     "repair",
		"expected_time": 2.5,
		"priority":      "high",
		"site":          "north",
	})
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	if svc.callCount("create") != 1 {
		t.Fatalf("expected exactly one create call, got %v", svc.calls)
	}
	req := svc.lastCreate
	if req.Subject != "New task" || req.TaskType != "repair" || req.ExpectedTime != 2.5 {
		t.Fatalf("builtin values wrong: %+v", req)
	}
	if req.Extra["priority"] != "high" || req.Extra["site"] != "north" {
		t.Fatalf("extra values wrong: %+v", req.Extra)
	}
	if _, ok := req.Extra["subject"]; ok {
		t.Fatalf("builtin leaked into extra: %+v", req.Extra)
	}
}

func TestSubmitCreateRequiresSubject(t *testing.T) {
	svc := newFakeService()
	co := New(svc)

	if _, err := co.SubmitCreate(context.Background(), "proj-1", map[string]any{"task_type": "repair"}); err == nil {
		t.Fatalf("expected subject error")
	}
	if len(svc.calls) != 0 {
		t.Fatalf("invalid dialog must not call the service, got %v", svc.calls)
	}
}

func TestSubmitEditSingleCallPlusReload(t *testing.T) {
	svc := newFakeService()
	reload := &reloadCounter{}
	co := New(svc, WithReload(reload.fn))

	_, err := co.SubmitEdit(context.Background(), "t-1", map[string]any{
		"subject":       "Renamed",
		"expected_time": 3,
		"priority":      "low",
	})
	if err != nil {
		t.Fatalf("submit edit: %v", err)
	}
	if svc.callCount("edit") != 1 {
		t.Fatalf("expected one edit call, got %v", svc.calls)
	}
	if reload.count() != 1 {
		t.Fatalf("expected one reload, got %d", reload.count())
	}
	req := svc.lastEdit
	if req.Subject == nil || *req.Subject != "Renamed" {
		t.Fatalf("subject not carried: %+v", req)
	}
	if req.ExpectedTime == nil || *req.ExpectedTime != 3 {
		t.Fatalf("expected_time not carried: %+v", req)
	}
	if req.TaskType != nil {
		t.Fatalf("untouched fields must stay nil: %+v", req)
	}
	if req.Extra["priority"] != "low" {
		t.Fatalf("extra not carried: %+v", req.Extra)
	}
}

func TestSubmitEditEmptySubjectRejected(t *testing.T) {
	svc := newFakeService()
	co := New(svc)

	if _, err := co.SubmitEdit(context.Background(), "t-1", map[string]any{"subject": ""}); err == nil {
		t.Fatalf("expected subject error")
	}
	if svc.callCount("edit") != 0 {
		t.Fatalf("invalid edit must not call the service")
	}
}

func TestEditFullFormBuildsLocalDraft(t *testing.T) {
	svc := newFakeService()
	co := New(svc)
	extraJSON := `{"priority":"low","site":"north"}`
	snapshot := domain.Task{ID: "t-1", Subject: "Original", TaskType: "repair", ExpectedTime: 4, ExtraJSON: &extraJSON}

	draft := co.EditFullForm(snapshot, map[string]any{
		"subject":       "Adjusted",
		"expected_time": 2.0,
		"priority":      "high",
	})
	if len(svc.calls) != 0 {
		t.Fatalf("full form escape must issue zero remote calls, got %v", svc.calls)
	}
	if draft.Subject != "Adjusted" || draft.ExpectedTime != 2 || draft.TaskType != "repair" {
		t.Fatalf("draft wrong: %+v", draft)
	}
	var extra map[string]any
	if draft.ExtraJSON == nil {
		t.Fatalf("extra dropped")
	}
	if err := json.Unmarshal([]byte(*draft.ExtraJSON), &extra); err != nil {
		t.Fatalf("extra json: %v", err)
	}
	if extra["priority"] != "high" || extra["site"] != "north" {
		t.Fatalf("extra merge wrong: %v", extra)
	}
	// the snapshot itself is untouched
	if snapshot.Subject != "Original" {
		t.Fatalf("snapshot mutated")
	}
}
