package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tasksdk "taskline/sdk/go"
)

func TestRemoteServiceBoundProject(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/template-tasks") {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`{"id":"t-new","project_id":"proj-1","subject":"New","status":"Open"}`))
	}))
	defer srv.Close()
	svc := NewRemoteService(tasksdk.New(srv.URL, "proj-1"))
	ctx := context.Background()

	// a different project than the client is bound to is rejected up front
	if _, err := svc.Create(ctx, CreateRequest{ProjectID: "proj-2", Subject: "x"}); err == nil {
		t.Fatalf("expected error creating in a foreign project")
	}
	if _, err := svc.CreateTemplateTasks(ctx, "proj-2"); err == nil {
		t.Fatalf("expected error materializing templates in a foreign project")
	}
	if len(paths) != 0 {
		t.Fatalf("foreign project calls must not reach the server, got %v", paths)
	}

	task, err := svc.Create(ctx, CreateRequest{ProjectID: "proj-1", Subject: "New"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "t-new" {
		t.Fatalf("unexpected task %+v", task)
	}
	// empty project id means the bound project
	if _, err := svc.CreateTemplateTasks(ctx, ""); err != nil {
		t.Fatalf("template tasks: %v", err)
	}
	want := []string{"/projects/proj-1/tasks", "/projects/proj-1/template-tasks"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("unexpected request paths %v", paths)
	}
}
