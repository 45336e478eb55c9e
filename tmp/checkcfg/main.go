package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/server"
)

// Manual smoke check: boots a server against a throwaway workspace, mints a
// dev token and walks a task through create -> start -> complete.
func main() {
	workspace := "/tmp/taskline-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("taskline-demo")
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "Demo Project", "tester"); err != nil {
		panic(err)
	}
	if err := e.Repo.UpsertProjectConfig(context.Background(), cfg.Project.ID, cfg); err != nil {
		panic(err)
	}
	h, err := server.New(server.Config{Engine: e, BasePath: "/api/v1", Auth: server.AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := devLogin(ts.URL)

	taskID := post(ts.URL, token, "/api/v1/projects/taskline-demo/tasks", map[string]any{
		"subject":       "Smoke check task",
		"task_type":     "inspection",
		"assignee":      "tester",
		"expected_time": 2,
	})
	post(ts.URL, token, "/api/v1/tasks/"+taskID+"/start", nil)
	post(ts.URL, token, "/api/v1/tasks/"+taskID+"/complete", nil)
}

func devLogin(base string) string {
	body, _ := json.Marshal(map[string]any{
		"actor_id":    "tester",
		"permissions": []string{"project.read", "project.write", "task.create", "task.read", "task.list", "task.write", "task.clock", "events.read"},
	})
	res, err := http.Post(base+"/api/v1/auth/dev/login", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		panic(err)
	}
	return out.Token
}

func post(base, token, path string, body map[string]any) string {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req, _ := http.NewRequest(http.MethodPost, base+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp map[string]any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("POST %s -> %d %v\n", path, res.StatusCode, resp)
	id, _ := resp["id"].(string)
	return id
}
