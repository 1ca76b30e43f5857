package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"OpenMCP-Conductor/internal/agent"
	"OpenMCP-Conductor/internal/knowledge"
	"OpenMCP-Conductor/internal/observability/alerting"
	"OpenMCP-Conductor/internal/storage/mysql"
	"OpenMCP-Conductor/internal/task"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	reports, err := mysql.NewFileReportRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new report repository: %v", err)
	}
	base := []Option{WithReportLog(reports)}
	return New(task.NewMemoryStore(), agent.NewMemoryRegistry(0), append(base, opts...)...)
}

func TestTaskLifecycle(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	worker, err := o.RegisterAgent(ctx, RegisterRequest{ID: "dev-1", Name: "Alice", Role: "backend", Skills: []string{"go"}})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if worker.State != agent.StateIdle {
		t.Fatalf("expected idle agent, got %s", worker.State)
	}

	created, err := o.CreateTask(ctx, CreateTaskRequest{Name: "implement handler", Labels: []string{"go"}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created.Status != task.StatusTodo || created.Priority != defaultTaskPriority {
		t.Fatalf("unexpected created task: %+v", created)
	}

	assigned, err := o.RequestNextTask(ctx, "dev-1")
	if err != nil {
		t.Fatalf("request next task: %v", err)
	}
	if assigned.ID != created.ID || assigned.AssignedTo != "dev-1" {
		t.Fatalf("unexpected assignment: %+v", assigned)
	}

	// 重复请求返回持有中的任务，不会另行分配。
	again, err := o.RequestNextTask(ctx, "dev-1")
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if again.ID != assigned.ID {
		t.Fatalf("expected held task %s, got %s", assigned.ID, again.ID)
	}

	if _, err := o.ReportProgress(ctx, ProgressRequest{AgentID: "dev-1", TaskID: assigned.ID, Percent: 50, Message: "wip"}); err != nil {
		t.Fatalf("report progress: %v", err)
	}

	completed, err := o.ReportProgress(ctx, ProgressRequest{AgentID: "dev-1", TaskID: assigned.ID, Percent: 100})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if completed.Status != task.StatusDone {
		t.Fatalf("expected done task, got %+v", completed)
	}

	status, err := o.GetAgentStatus(ctx, "dev-1")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if status.Agent.State != agent.StateIdle || status.Agent.TasksCompleted != 1 {
		t.Fatalf("expected released agent with one completion, got %+v", status.Agent)
	}
	if status.CurrentTask != nil {
		t.Fatalf("expected no current task, got %+v", status.CurrentTask)
	}
}

func TestRequestNextTaskRequiresRegistration(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.CreateTask(ctx, CreateTaskRequest{Name: "anything"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := o.RequestNextTask(ctx, "stranger"); !errors.Is(err, agent.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRequestNextTaskNoWork(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.RegisterAgent(ctx, RegisterRequest{ID: "dev-1", Name: "Alice", Role: "backend"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := o.RequestNextTask(ctx, "dev-1"); !errors.Is(err, task.ErrNoTaskAvailable) {
		t.Fatalf("expected ErrNoTaskAvailable, got %v", err)
	}
}

func TestReportBlockerDispatchesAlertAndSuggestions(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	provider := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "database access", Content: "ask ops for credentials", Keywords: []string{"mysql"}},
	}, 3)
	o := newTestOrchestrator(t, WithAlertDispatcher(dispatcher), WithKnowledgeProvider(provider))
	ctx := context.Background()

	if _, err := o.RegisterAgent(ctx, RegisterRequest{ID: "dev-1", Name: "Alice", Role: "backend"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	created, err := o.CreateTask(ctx, CreateTaskRequest{Name: "migrate schema"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := o.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatalf("request: %v", err)
	}

	report, err := o.ReportBlocker(ctx, BlockerRequest{AgentID: "dev-1", TaskID: created.ID, Reason: "mysql connection refused"})
	if err != nil {
		t.Fatalf("report blocker: %v", err)
	}
	if report.Task.Status != task.StatusBlocked {
		t.Fatalf("expected blocked task, got %+v", report.Task)
	}
	if len(report.Suggestions) != 1 || report.Suggestions[0].Title != "database access" {
		t.Fatalf("unexpected suggestions: %+v", report.Suggestions)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.events) != 1 || dispatcher.events[0].TaskID != created.ID || dispatcher.events[0].AgentID != "dev-1" {
		t.Fatalf("unexpected alert events: %+v", dispatcher.events)
	}

	// 阻塞任务仍归属原智能体，重复请求返回同一任务。
	held, err := o.RequestNextTask(ctx, "dev-1")
	if err != nil {
		t.Fatalf("request after block: %v", err)
	}
	if held.ID != created.ID || held.Status != task.StatusBlocked {
		t.Fatalf("expected held blocked task, got %+v", held)
	}
}

func TestUnassignReopensTask(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.RegisterAgent(ctx, RegisterRequest{ID: "dev-1", Name: "Alice", Role: "backend"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	created, err := o.CreateTask(ctx, CreateTaskRequest{Name: "review docs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatalf("request: %v", err)
	}

	reopened, err := o.UnassignTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if reopened.Status != task.StatusTodo || reopened.AssignedTo != "" {
		t.Fatalf("expected reopened task, got %+v", reopened)
	}

	status, err := o.GetAgentStatus(ctx, "dev-1")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if status.Agent.State != agent.StateIdle || status.Agent.TasksCompleted != 0 {
		t.Fatalf("expected released agent without completion, got %+v", status.Agent)
	}
}

func TestProjectStatusAggregation(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	for _, id := range []string{"dev-1", "dev-2"} {
		if _, err := o.RegisterAgent(ctx, RegisterRequest{ID: id, Name: id, Role: "backend"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := o.CreateTask(ctx, CreateTaskRequest{Name: name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	assigned, err := o.RequestNextTask(ctx, "dev-1")
	if err != nil {
		t.Fatalf("request dev-1: %v", err)
	}
	if _, err := o.RequestNextTask(ctx, "dev-2"); err != nil {
		t.Fatalf("request dev-2: %v", err)
	}
	if _, err := o.ReportProgress(ctx, ProgressRequest{AgentID: "dev-1", TaskID: assigned.ID, Percent: 100}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	status, err := o.GetProjectStatus(ctx)
	if err != nil {
		t.Fatalf("project status: %v", err)
	}
	if status.Tasks.Total != 4 || status.Tasks.Done != 1 || status.Tasks.InProgress != 1 || status.Tasks.Todo != 2 {
		t.Fatalf("unexpected task stats: %+v", status.Tasks)
	}
	if status.CompletionPercent != 25 {
		t.Fatalf("unexpected completion percent: %d", status.CompletionPercent)
	}
	if status.AgentsTotal != 2 || status.AgentsWorking != 1 || status.AgentsIdle != 1 {
		t.Fatalf("unexpected agent counts: %+v", status)
	}
	if len(status.RecentReports) == 0 {
		t.Fatalf("expected recent reports in project status")
	}
}

func TestPing(t *testing.T) {
	o := newTestOrchestrator(t)
	result := o.Ping()
	if result.Status != "ok" || result.ServerTime == 0 {
		t.Fatalf("unexpected ping result: %+v", result)
	}
}
