package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("taskline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/api/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

// bearerFor mints a token for the actor. DB roles still apply on top of any
// embedded permissions.
func bearerFor(t *testing.T, actorID string, permissions []string) map[string]string {
	t.Helper()
	token, err := signDevToken(testJWTSecret, actorID, nil, permissions)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type taskBody struct {
	ID      string         `json:"id"`
	Subject string         `json:"subject"`
	Status  string         `json:"status"`
	Actions map[string]any `json:"actions"`
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
		"subject":       "Inspect boiler",
		"task_type":     "inspection",
		"assignee":      "tester",
		"expected_time": 2,
	}, auth)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", createRes.StatusCode, string(data))
	}
	var created taskBody
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "Open" {
		t.Fatalf("expected Open, got %s", created.Status)
	}
	if created.Actions == nil || created.Actions["start_task"] != true {
		t.Fatalf("expected start_task eligibility on fresh task: %v", created.Actions)
	}

	startRes, startData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/start", nil, auth)
	if startRes.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", startRes.StatusCode, string(startData))
	}
	var started taskBody
	_ = json.Unmarshal(startData, &started)
	if started.Status != "Working" {
		t.Fatalf("expected Working, got %s", started.Status)
	}
	if started.Actions["start_task"] != false || started.Actions["pause_task"] != true {
		t.Fatalf("working actions wrong: %v", started.Actions)
	}

	doneRes, doneData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/complete", nil, auth)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", doneRes.StatusCode, string(doneData))
	}
	var done taskBody
	_ = json.Unmarshal(doneData, &done)
	if done.Status != "Completed" {
		t.Fatalf("expected Completed, got %s", done.Status)
	}
	if done.Actions["reopen_task"] != true || done.Actions["complete_task"] != false {
		t.Fatalf("completed actions wrong: %v", done.Actions)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
		"subject":  "pause me not",
		"assignee": "tester",
	}, auth)
	var created taskBody
	_ = json.Unmarshal(data, &created)

	// pausing an Open task is not a legal transition
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/pause", nil, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["from"] != "Open" {
		t.Fatalf("expected from=Open in details: %v", envelope.Error.Details)
	}
}

func TestAssigneeBusyConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	var ids []string
	for _, subject := range []string{"first", "second"} {
		_, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
			"subject":  subject,
			"assignee": "tester",
		}, auth)
		var created taskBody
		_ = json.Unmarshal(data, &created)
		ids = append(ids, created.ID)
	}
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+ids[0]+"/start", nil, auth); res.StatusCode != http.StatusOK {
		t.Fatalf("start first: %d %s", res.StatusCode, string(body))
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+ids[1]+"/start", nil, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 assignee busy, got %d: %s", res.StatusCode, string(body))
	}
	var envelope errorBody
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "assignee_busy" {
		t.Fatalf("expected assignee_busy, got %q", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/projects/taskline", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", res.StatusCode)
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	// token-only actor with read permissions but no task.create
	auth := bearerFor(t, "reader", []string{"project.read", "task.read", "task.list"})

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
		"subject": "not allowed",
	}, auth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
	var envelope errorBody
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %q", envelope.Error.Code)
	}
}

func TestDevLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/dev/login", map[string]any{
		"actor_id":    "dev",
		"permissions": []string{"project.read"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/projects/taskline", nil, map[string]string{
		"Authorization": "Bearer " + out.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project with dev token: %d %s", res.StatusCode, string(data))
	}
}

func TestSplitTaskEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
		"subject":       "Perform repair",
		"task_type":     "repair",
		"expected_time": 4,
	}, auth)
	var created taskBody
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/split", map[string]any{
		"new_expected_time": 1.5,
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("split status %d: %s", res.StatusCode, string(body))
	}
	var sibling struct {
		ID           string  `json:"id"`
		ExpectedTime float64 `json:"expected_time"`
	}
	_ = json.Unmarshal(body, &sibling)
	if sibling.ID == created.ID || sibling.ExpectedTime != 2.5 {
		t.Fatalf("unexpected sibling: %+v", sibling)
	}

	// out of bounds is rejected
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/split", map[string]any{
		"new_expected_time": 5,
	}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized split, got %d: %s", res.StatusCode, string(body))
	}
}

func TestReadyToCloseBlocksEdit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
		"subject": "frozen soon",
	}, auth)
	var created taskBody
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/ready-to-close", map[string]any{
		"ready": true,
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready-to-close: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/api/v1/tasks/"+created.ID, map[string]any{
		"subject": "too late",
	}, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var envelope errorBody
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "project_ready_to_close" {
		t.Fatalf("expected project_ready_to_close, got %q", envelope.Error.Code)
	}
}

func TestTemplateTasksEndpointIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	res, body := doJSON(t, client, http.MethodPatch, srv.URL+"/api/v1/projects/taskline", map[string]any{
		"service_templates": []string{"maintenance-visit"},
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set templates: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/template-tasks", nil, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("template tasks: %d %s", res.StatusCode, string(body))
	}
	var created []taskBody
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 template tasks, got %d", len(created))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/template-tasks", nil, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("second run: %d %s", res.StatusCode, string(body))
	}
	created = nil
	_ = json.Unmarshal(body, &created)
	if len(created) != 0 {
		t.Fatalf("expected idempotent rerun, got %d tasks", len(created))
	}
}

func TestRoleGrantAndWhoAmI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearerFor(t, "tester", nil)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/roles/technician/actors/alice", nil, owner)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant role: %d %s", res.StatusCode, string(body))
	}

	alice := bearerFor(t, "alice", nil)
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/projects/taskline/me", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d %s", res.StatusCode, string(body))
	}
	var who struct {
		ActorID     string   `json:"actor_id"`
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "alice" || len(who.Roles) != 1 || who.Roles[0] != "technician" {
		t.Fatalf("unexpected whoami: %+v", who)
	}

	// technicians cannot grant roles
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/roles/technician/actors/bob", nil, alice)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for technician grant, got %d: %s", res.StatusCode, string(body))
	}
}

func TestEventsPaginationContiguous(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerFor(t, "tester", nil)

	for _, subject := range []string{"one", "two", "three"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/taskline/tasks", map[string]any{
			"subject": subject,
		}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", subject, res.StatusCode, string(data))
		}
	}

	type eventsBody struct {
		Items []struct {
			ID int64 `json:"id"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/projects/taskline/events?limit=50", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var full eventsBody
	if err := json.Unmarshal(data, &full); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(full.Items) < 4 {
		t.Fatalf("expected at least 4 events, got %d", len(full.Items))
	}
	var want []int64
	for _, item := range full.Items {
		want = append(want, item.ID)
	}

	// walk the same log one event per page; every id must reappear
	var got []int64
	cursor := ""
	for i := 0; i < len(want)+2; i++ {
		url := srv.URL + "/api/v1/projects/taskline/events?limit=1"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page status %d: %s", res.StatusCode, string(data))
		}
		var page eventsBody
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			got = append(got, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(got) != len(want) {
		t.Fatalf("paged walk returned %d events, full listing has %d (got %v want %v)", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("paged walk diverged at %d: got %v want %v", i, got, want)
		}
	}
}
