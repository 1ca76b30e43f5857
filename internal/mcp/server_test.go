package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"OpenMCP-Conductor/internal/agent"
	"OpenMCP-Conductor/internal/orchestrator"
	"OpenMCP-Conductor/internal/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	orch := orchestrator.New(task.NewMemoryStore(), agent.NewMemoryRegistry(0))
	t.Cleanup(func() {
		if err := orch.Close(); err != nil {
			t.Errorf("close orchestrator: %v", err)
		}
	})
	return NewServer(orch, "test")
}

func textOf(t *testing.T, result *sdk.CallToolResultFor[any]) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected a single content item, got %d", len(result.Content))
	}
	text, ok := result.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func decodeInto(t *testing.T, result *sdk.CallToolResultFor[any], out any) {
	t.Helper()
	if err := json.Unmarshal([]byte(textOf(t, result)), out); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
}

func TestToolLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	result, err := srv.registerAgent(ctx, nil, &sdk.CallToolParamsFor[RegisterAgentInput]{
		Arguments: RegisterAgentInput{ID: "dev-1", Name: "Dev One", Role: "backend", Skills: []string{"go"}},
	})
	if err != nil {
		t.Fatalf("register_agent: %v", err)
	}
	var registered agent.Agent
	decodeInto(t, result, &registered)
	if registered.State != agent.StateIdle {
		t.Fatalf("expected idle agent, got %s", registered.State)
	}

	result, err = srv.createTask(ctx, nil, &sdk.CallToolParamsFor[CreateTaskInput]{
		Arguments: CreateTaskInput{Name: "build API", Labels: []string{"go"}, Priority: 80},
	})
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}
	var created task.Task
	decodeInto(t, result, &created)
	if created.ID == "" || created.Status != task.StatusTodo {
		t.Fatalf("unexpected created task: %+v", created)
	}

	result, err = srv.requestNextTask(ctx, nil, &sdk.CallToolParamsFor[RequestNextTaskInput]{
		Arguments: RequestNextTaskInput{AgentID: "dev-1"},
	})
	if err != nil {
		t.Fatalf("request_next_task: %v", err)
	}
	var assigned task.Task
	decodeInto(t, result, &assigned)
	if assigned.ID != created.ID || assigned.AssignedTo != "dev-1" {
		t.Fatalf("unexpected assignment: %+v", assigned)
	}

	result, err = srv.reportTaskProgress(ctx, nil, &sdk.CallToolParamsFor[ReportProgressInput]{
		Arguments: ReportProgressInput{AgentID: "dev-1", TaskID: created.ID, Percent: 100, Message: "done"},
	})
	if err != nil {
		t.Fatalf("report_task_progress: %v", err)
	}
	var finished task.Task
	decodeInto(t, result, &finished)
	if finished.Status != task.StatusDone {
		t.Fatalf("expected done task, got %s", finished.Status)
	}

	result, err = srv.getProjectStatus(ctx, nil, &sdk.CallToolParamsFor[GetProjectStatusInput]{})
	if err != nil {
		t.Fatalf("get_project_status: %v", err)
	}
	var status orchestrator.ProjectStatus
	decodeInto(t, result, &status)
	if status.Tasks.Done != 1 || status.Tasks.Total != 1 {
		t.Fatalf("unexpected project status: %+v", status.Tasks)
	}
}

func TestRequestNextTaskWithoutWork(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	if _, err := srv.registerAgent(ctx, nil, &sdk.CallToolParamsFor[RegisterAgentInput]{
		Arguments: RegisterAgentInput{ID: "dev-1", Name: "Dev One", Role: "backend"},
	}); err != nil {
		t.Fatalf("register_agent: %v", err)
	}

	result, err := srv.requestNextTask(ctx, nil, &sdk.CallToolParamsFor[RequestNextTaskInput]{
		Arguments: RequestNextTaskInput{AgentID: "dev-1"},
	})
	if err != nil {
		t.Fatalf("request_next_task: %v", err)
	}
	var payload map[string]string
	decodeInto(t, result, &payload)
	if !strings.Contains(payload["message"], "no task available") {
		t.Fatalf("expected no-task message, got %q", payload["message"])
	}
}

func TestToolErrorsAreReturnedAsText(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	result, err := srv.requestNextTask(ctx, nil, &sdk.CallToolParamsFor[RequestNextTaskInput]{
		Arguments: RequestNextTaskInput{AgentID: "ghost"},
	})
	if err != nil {
		t.Fatalf("tool errors must not surface as handler errors: %v", err)
	}
	if text := textOf(t, result); !strings.Contains(text, "failed to request next task") {
		t.Fatalf("unexpected error text: %q", text)
	}
}

func TestListTasksRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	result, err := srv.listTasks(ctx, nil, &sdk.CallToolParamsFor[ListTasksInput]{
		Arguments: ListTasksInput{Status: "archived"},
	})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if text := textOf(t, result); !strings.Contains(text, "unknown status") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestPingTool(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.ping(context.Background(), nil, &sdk.CallToolParamsFor[PingInput]{})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var payload orchestrator.PingResult
	decodeInto(t, result, &payload)
	if payload.Status != "ok" {
		t.Fatalf("expected ok status, got %q", payload.Status)
	}
}
