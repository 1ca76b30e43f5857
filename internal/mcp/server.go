// Package mcp exposes the conductor orchestration contract as MCP tools
// over a stdio transport, one tool per orchestrator operation.
package mcp

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"OpenMCP-Conductor/internal/observability/metrics"
	"OpenMCP-Conductor/internal/orchestrator"
	"OpenMCP-Conductor/internal/task"
	"OpenMCP-Conductor/pkg/logger"
)

const serverName = "openmcp-conductor"

const serverInstructions = `OpenMCP Conductor coordinates a team of coding agents.
Register yourself with register_agent, then poll request_next_task for work.
Report progress with report_task_progress (percent 100 completes the task) and
raise report_blocker when you are stuck. get_project_status summarises the
whole board.`

// Server wires the orchestrator operations into an MCP tool server.
type Server struct {
	orch   *orchestrator.Orchestrator
	server *mcp.Server
}

// NewServer registers every conductor tool on a fresh MCP server.
func NewServer(orch *orchestrator.Orchestrator, version string) *Server {
	s := &Server{orch: orch}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Title:   "OpenMCP Conductor",
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: serverInstructions,
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "register_agent",
		Title:       "Register Agent",
		Description: "Register (or re-register) an agent with its role and skills. Registration is idempotent.",
		InputSchema: cloneSchema(RegisterAgentInputSchema),
	}, s.registerAgent)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "request_next_task",
		Title:       "Request Next Task",
		Description: "Claim the most urgent open task matching the agent's skills. Returns the already held task if the agent has one.",
		InputSchema: cloneSchema(RequestNextTaskInputSchema),
	}, s.requestNextTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "report_task_progress",
		Title:       "Report Task Progress",
		Description: "Report completion percentage on an assigned task. Reporting 100 marks the task done and frees the agent.",
		InputSchema: cloneSchema(ReportProgressInputSchema),
	}, s.reportTaskProgress)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "report_blocker",
		Title:       "Report Blocker",
		Description: "Mark an assigned task as blocked with a reason. Returns knowledge-base suggestions when available.",
		InputSchema: cloneSchema(ReportBlockerInputSchema),
	}, s.reportBlocker)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_agent_status",
		Title:       "Get Agent Status",
		Description: "Inspect a single agent: state, current task and recent reports.",
		InputSchema: cloneSchema(GetAgentStatusInputSchema),
	}, s.getAgentStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_project_status",
		Title:       "Get Project Status",
		Description: "Aggregate view of the project: task counts per status, completion percentage and agent utilisation.",
		InputSchema: cloneSchema(GetProjectStatusInputSchema),
	}, s.getProjectStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_registered_agents",
		Title:       "List Registered Agents",
		Description: "List every registered agent in registration order.",
		InputSchema: cloneSchema(ListAgentsInputSchema),
	}, s.listRegisteredAgents)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ping",
		Title:       "Ping",
		Description: "Health check. Returns server uptime and current time.",
		InputSchema: cloneSchema(PingInputSchema),
	}, s.ping)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "create_task",
		Title:       "Create Task",
		Description: "Create a new task on the backlog.",
		InputSchema: cloneSchema(CreateTaskInputSchema),
	}, s.createTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_tasks",
		Title:       "List Tasks",
		Description: "List tasks with optional status, assignee and label filters.",
		InputSchema: cloneSchema(ListTasksInputSchema),
	}, s.listTasks)

	return s
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	logger.Named("mcp").Info("MCP 服务启动", "transport", "stdio")
	return s.server.Run(ctx, mcp.NewStdioTransport())
}

func (s *Server) registerAgent(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[RegisterAgentInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	registered, err := s.orch.RegisterAgent(ctx, orchestrator.RegisterRequest{
		ID:     params.Arguments.ID,
		Name:   params.Arguments.Name,
		Role:   params.Arguments.Role,
		Skills: params.Arguments.Skills,
	})
	metrics.ObserveToolCall("register_agent", err, time.Since(start))
	if err != nil {
		return errorResult("failed to register agent: %v", err), nil
	}
	return jsonResult(registered)
}

func (s *Server) requestNextTask(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[RequestNextTaskInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	assigned, err := s.orch.RequestNextTask(ctx, params.Arguments.AgentID)
	metrics.ObserveToolCall("request_next_task", err, time.Since(start))
	if stdErrors.Is(err, task.ErrNoTaskAvailable) {
		return jsonResult(map[string]string{
			"message": "no task available, retry later",
		})
	}
	if err != nil {
		return errorResult("failed to request next task: %v", err), nil
	}
	return jsonResult(assigned)
}

func (s *Server) reportTaskProgress(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ReportProgressInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	updated, err := s.orch.ReportProgress(ctx, orchestrator.ProgressRequest{
		AgentID: params.Arguments.AgentID,
		TaskID:  params.Arguments.TaskID,
		Percent: params.Arguments.Percent,
		Message: params.Arguments.Message,
	})
	metrics.ObserveToolCall("report_task_progress", err, time.Since(start))
	if err != nil {
		return errorResult("failed to report progress: %v", err), nil
	}
	return jsonResult(updated)
}

func (s *Server) reportBlocker(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ReportBlockerInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	report, err := s.orch.ReportBlocker(ctx, orchestrator.BlockerRequest{
		AgentID: params.Arguments.AgentID,
		TaskID:  params.Arguments.TaskID,
		Reason:  params.Arguments.Reason,
	})
	metrics.ObserveToolCall("report_blocker", err, time.Since(start))
	if err != nil {
		return errorResult("failed to report blocker: %v", err), nil
	}
	return jsonResult(report)
}

func (s *Server) getAgentStatus(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[GetAgentStatusInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	status, err := s.orch.GetAgentStatus(ctx, params.Arguments.AgentID)
	metrics.ObserveToolCall("get_agent_status", err, time.Since(start))
	if err != nil {
		return errorResult("failed to get agent status: %v", err), nil
	}
	return jsonResult(status)
}

func (s *Server) getProjectStatus(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[GetProjectStatusInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	status, err := s.orch.GetProjectStatus(ctx)
	metrics.ObserveToolCall("get_project_status", err, time.Since(start))
	if err != nil {
		return errorResult("failed to get project status: %v", err), nil
	}
	return jsonResult(status)
}

func (s *Server) listRegisteredAgents(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[ListAgentsInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	agents, err := s.orch.ListAgents(ctx)
	metrics.ObserveToolCall("list_registered_agents", err, time.Since(start))
	if err != nil {
		return errorResult("failed to list agents: %v", err), nil
	}
	return jsonResult(agents)
}

func (s *Server) ping(_ context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[PingInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	result := s.orch.Ping()
	metrics.ObserveToolCall("ping", nil, time.Since(start))
	return jsonResult(result)
}

func (s *Server) createTask(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[CreateTaskInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	created, err := s.orch.CreateTask(ctx, orchestrator.CreateTaskRequest{
		Name:        params.Arguments.Name,
		Description: params.Arguments.Description,
		Priority:    params.Arguments.Priority,
		Labels:      params.Arguments.Labels,
	})
	metrics.ObserveToolCall("create_task", err, time.Since(start))
	if err != nil {
		return errorResult("failed to create task: %v", err), nil
	}
	return jsonResult(created)
}

func (s *Server) listTasks(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ListTasksInput]) (*mcp.CallToolResultFor[any], error) {
	start := time.Now()
	opts, err := buildTaskListOptions(params.Arguments)
	if err != nil {
		metrics.ObserveToolCall("list_tasks", err, time.Since(start))
		return errorResult("invalid list_tasks arguments: %v", err), nil
	}
	tasks, err := s.orch.ListTasks(ctx, opts...)
	metrics.ObserveToolCall("list_tasks", err, time.Since(start))
	if err != nil {
		return errorResult("failed to list tasks: %v", err), nil
	}
	return jsonResult(tasks)
}

func buildTaskListOptions(input ListTasksInput) ([]task.ListOption, error) {
	var opts []task.ListOption
	if input.Status != "" {
		status := task.Status(input.Status)
		if !task.IsValidStatus(status) {
			return nil, fmt.Errorf("unknown status %q", input.Status)
		}
		opts = append(opts, task.WithStatuses(status))
	}
	if input.Assignee != "" {
		opts = append(opts, task.WithAssignee(input.Assignee))
	}
	if input.Label != "" {
		opts = append(opts, task.WithLabel(input.Label))
	}
	if input.Limit > 0 {
		opts = append(opts, task.WithLimit(input.Limit))
	}
	if input.Offset > 0 {
		opts = append(opts, task.WithOffset(input.Offset))
	}
	return opts, nil
}

func jsonResult(payload any) (*mcp.CallToolResultFor[any], error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil
}

func errorResult(format string, args ...any) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}
