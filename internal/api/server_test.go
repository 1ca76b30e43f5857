package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Conductor/internal/agent"
	"OpenMCP-Conductor/internal/auth"
	"OpenMCP-Conductor/internal/orchestrator"
	"OpenMCP-Conductor/internal/task"
)

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	orch := orchestrator.New(task.NewMemoryStore(), agent.NewMemoryRegistry(0))
	t.Cleanup(func() {
		if err := orch.Close(); err != nil {
			t.Errorf("close orchestrator: %v", err)
		}
	})
	return NewServer(":0", orch, nil), orch
}

func TestHandleCreateAndGetTask(t *testing.T) {
	server, _ := newTestServer(t)

	body := strings.NewReader(`{"name":"写接口文档","priority":70,"labels":["docs"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusCreated)
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusTodo {
		t.Fatalf("unexpected created task: %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	rec = httptest.NewRecorder()
	server.handleTaskByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != created.ID || got.Name != "写接口文档" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestHandleListTasksFilters(t *testing.T) {
	server, orch := newTestServer(t)
	ctx := context.Background()

	for _, req := range []orchestrator.CreateTaskRequest{
		{ID: "t1", Name: "后端接口", Labels: []string{"go"}},
		{ID: "t2", Name: "前端页面", Labels: []string{"frontend"}},
	} {
		if _, err := orch.CreateTask(ctx, req); err != nil {
			t.Fatalf("create task %s: %v", req.ID, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?label=go", nil)
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var results []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(results) != 1 || results[0].ID != "t1" {
		t.Fatalf("unexpected filter results: %+v", results)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=archived", nil)
	rec = httptest.NewRecorder()
	server.handleTasks(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleUnassignTask(t *testing.T) {
	server, orch := newTestServer(t)
	ctx := context.Background()

	if _, err := orch.RegisterAgent(ctx, orchestrator.RegisterRequest{ID: "dev-1", Name: "Dev", Role: "backend"}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := orch.CreateTask(ctx, orchestrator.CreateTaskRequest{ID: "t1", Name: "demo"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := orch.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatalf("request next task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/t1/unassign", nil)
	rec := httptest.NewRecorder()
	server.handleTaskByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d body %s", rec.Code, rec.Body.String())
	}
	var reopened task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &reopened); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if reopened.Status != task.StatusTodo || reopened.AssignedTo != "" {
		t.Fatalf("expected reopened task, got %+v", reopened)
	}
}

func TestHandleTaskDetailErrors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/t1", nil)
		rec := httptest.NewRecorder()
		server.handleTaskByID(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil)
		rec := httptest.NewRecorder()
		server.handleTaskByID(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
		rec := httptest.NewRecorder()
		server.handleTaskByID(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Error.Code != string(task.CodeTaskNotFound) {
			t.Fatalf("unexpected error code: %q", body.Error.Code)
		}
	})
}

func TestHandleAgentStatusAndProjectStatus(t *testing.T) {
	server, orch := newTestServer(t)
	ctx := context.Background()

	if _, err := orch.RegisterAgent(ctx, orchestrator.RegisterRequest{ID: "dev-1", Name: "Dev", Role: "backend"}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/dev-1", nil)
	rec := httptest.NewRecorder()
	server.handleAgentByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var status orchestrator.AgentStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Agent == nil || status.Agent.ID != "dev-1" {
		t.Fatalf("unexpected agent status: %+v", status)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec = httptest.NewRecorder()
	server.handleStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var project orchestrator.ProjectStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &project); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if project.AgentsTotal != 1 || project.AgentsIdle != 1 {
		t.Fatalf("unexpected project status: %+v", project)
	}
}

func TestAuthProtectedRoutes(t *testing.T) {
	orch := orchestrator.New(task.NewMemoryStore(), agent.NewMemoryRegistry(0))
	t.Cleanup(func() { _ = orch.Close() })

	store, err := auth.NewMemoryStore([]auth.Seed{{
		Username:    "ops",
		Password:    "secret",
		Roles:       []string{"operator"},
		Permissions: []string{"conductor:read", "conductor:write"},
	}})
	if err != nil {
		t.Fatalf("seed auth store: %v", err)
	}
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("build auth service: %v", err)
	}
	server := NewServer(":0", orch, svc)

	mux := http.NewServeMux()
	server.routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d without token, got %d", http.StatusUnauthorized, rec.Code)
	}

	pair, err := svc.Authenticate(context.Background(), auth.TokenRequest{Username: "ops", Password: "secret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d with token, got %d body %s", http.StatusOK, rec.Code, rec.Body.String())
	}
}
