package orchestrator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Conductor/internal/agent"
	xerrors "OpenMCP-Conductor/internal/errors"
	"OpenMCP-Conductor/internal/knowledge"
	"OpenMCP-Conductor/internal/observability/alerting"
	"OpenMCP-Conductor/internal/storage/mysql"
	"OpenMCP-Conductor/internal/task"
	"OpenMCP-Conductor/pkg/logger"
)

// Orchestrator 协调任务分配与智能体上报，是系统的业务核心。
type Orchestrator struct {
	tasks           task.Store
	agents          agent.Registry
	producer        task.Producer
	reports         mysql.ReportRepository
	knowledge       knowledge.Provider
	alerts          alerting.Dispatcher
	defaultPriority int
	startedAt       time.Time
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// defaultTaskPriority 是未指定优先级时使用的默认值。
const defaultTaskPriority = 100

// WithProducer 配置任务事件队列的生产端。
func WithProducer(producer task.Producer) Option {
	return func(o *Orchestrator) {
		o.producer = producer
	}
}

// WithReportLog 配置上报日志仓库。
func WithReportLog(reports mysql.ReportRepository) Option {
	return func(o *Orchestrator) {
		o.reports = reports
	}
}

// WithKnowledgeProvider 配置知识库，用于在阻塞上报时给出建议。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(o *Orchestrator) {
		o.knowledge = provider
	}
}

// WithAlertDispatcher 配置告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithDefaultPriority 设置新任务的默认优先级。
func WithDefaultPriority(priority int) Option {
	return func(o *Orchestrator) {
		o.defaultPriority = priority
	}
}

// New 创建一个 Orchestrator。
func New(tasks task.Store, agents agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tasks:           tasks,
		agents:          agents,
		defaultPriority: defaultTaskPriority,
		startedAt:       time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.defaultPriority <= 0 {
		o.defaultPriority = defaultTaskPriority
	}
	return o
}

// RegisterRequest 描述一次智能体注册。
type RegisterRequest struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Skills []string `json:"skills,omitempty"`
}

// RegisterAgent 注册或更新一个智能体。重复注册是幂等的。
func (o *Orchestrator) RegisterAgent(ctx context.Context, req RegisterRequest) (*agent.Agent, error) {
	if o.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录未初始化")
	}
	registered, err := o.agents.Register(ctx, &agent.Agent{
		ID:     strings.TrimSpace(req.ID),
		Name:   strings.TrimSpace(req.Name),
		Role:   strings.TrimSpace(req.Role),
		Skills: req.Skills,
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("智能体注册成功",
		slog.String("agent_id", registered.ID),
		slog.String("role", registered.Role),
		slog.Any("skills", registered.Skills),
	)
	return registered, nil
}

// CreateTaskRequest 描述一次任务创建。
type CreateTaskRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Labels      []string       `json:"labels,omitempty"`
	Subtasks    []task.Subtask `json:"subtasks,omitempty"`
}

// CreateTask 创建一个新任务并广播创建事件。携带已存在的 ID 时返回现有任务。
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "任务名称不能为空")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := o.tasks.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, task.ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	priority := req.Priority
	if priority <= 0 {
		priority = o.defaultPriority
	}

	created := &task.Task{
		ID:          taskID,
		Name:        req.Name,
		Description: req.Description,
		Status:      task.StatusTodo,
		Priority:    priority,
		Labels:      req.Labels,
		Subtasks:    req.Subtasks,
	}
	if err := o.tasks.Create(ctx, created); err != nil {
		if stdErrors.Is(err, task.ErrTaskConflict) {
			existing, getErr := o.tasks.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	o.publish(ctx, task.Event{TaskID: taskID, Kind: task.EventCreated})
	logger.Audit().Info("任务创建成功",
		slog.String("task_id", taskID),
		slog.String("name", created.Name),
		slog.Int("priority", created.Priority),
	)
	return o.tasks.Get(ctx, taskID)
}

// RequestNextTask 为智能体分配下一个任务。
//
// 同一智能体重复请求是幂等的：如果它已经持有未完成的任务，
// 直接返回该任务而不会再分配新任务。两个智能体绝不会拿到同一个任务。
func (o *Orchestrator) RequestNextTask(ctx context.Context, agentID string) (*task.Task, error) {
	if o.tasks == nil || o.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, xerrors.New(agent.CodeAgentValidation, "agent ID 不能为空")
	}

	worker, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	held, err := o.tasks.FindAssigned(ctx, agentID)
	if err == nil {
		return held, nil
	}
	if !stdErrors.Is(err, task.ErrTaskNotFound) {
		return nil, err
	}

	assigned, err := o.tasks.Assign(ctx, agentID, worker.Skills)
	if err != nil {
		if stdErrors.Is(err, task.ErrNoTaskAvailable) {
			_ = o.agents.Touch(ctx, agentID)
		}
		return nil, err
	}
	if err := o.agents.SetAssignment(ctx, agentID, assigned.ID); err != nil {
		logger.L().Error("记录智能体任务绑定失败",
			slog.Any("error", err),
			slog.String("agent_id", agentID),
			slog.String("task_id", assigned.ID),
		)
	}

	o.publish(ctx, task.Event{TaskID: assigned.ID, Kind: task.EventAssigned})
	logger.Audit().Info("任务分配成功",
		slog.String("task_id", assigned.ID),
		slog.String("agent_id", agentID),
		slog.Int("priority", assigned.Priority),
	)
	return assigned, nil
}

// ProgressRequest 描述一次进度上报。
type ProgressRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// ReportProgress 处理进度上报。进度达到 100 时任务完成并释放智能体。
func (o *Orchestrator) ReportProgress(ctx context.Context, req ProgressRequest) (*task.Task, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.TaskID) == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "进度上报缺少任务或智能体 ID")
	}

	updated, err := o.tasks.UpdateProgress(ctx, req.TaskID, req.AgentID, req.Percent)
	if err != nil {
		return nil, err
	}

	o.appendReport(ctx, mysql.ReportRecord{
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Kind:      mysql.ReportProgress,
		Status:    string(updated.Status),
		Percent:   updated.Progress,
		Message:   req.Message,
		CreatedAt: time.Now().Unix(),
	})

	kind := task.EventProgress
	if updated.Status == task.StatusDone {
		kind = task.EventDone
		if o.agents != nil {
			if err := o.agents.ClearAssignment(ctx, req.AgentID, true); err != nil {
				logger.L().Error("释放智能体失败",
					slog.Any("error", err),
					slog.String("agent_id", req.AgentID),
				)
			}
		}
		logger.Audit().Info("任务完成",
			slog.String("task_id", updated.ID),
			slog.String("agent_id", req.AgentID),
		)
	} else if o.agents != nil {
		_ = o.agents.Touch(ctx, req.AgentID)
	}
	o.publish(ctx, task.Event{TaskID: updated.ID, Kind: kind})
	return updated, nil
}

// BlockerRequest 描述一次阻塞上报。
type BlockerRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Reason  string `json:"reason"`
}

// BlockerReport 汇总阻塞处理结果与可能有帮助的知识条目。
type BlockerReport struct {
	Task        *task.Task          `json:"task"`
	Suggestions []knowledge.Snippet `json:"suggestions,omitempty"`
}

// ReportBlocker 处理阻塞上报：标记任务、落盘记录、触发告警并返回排障建议。
func (o *Orchestrator) ReportBlocker(ctx context.Context, req BlockerRequest) (*BlockerReport, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.TaskID) == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "阻塞上报缺少任务或智能体 ID")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "阻塞原因不能为空")
	}

	blocked, err := o.tasks.MarkBlocked(ctx, req.TaskID, req.AgentID, req.Reason)
	if err != nil {
		return nil, err
	}

	o.appendReport(ctx, mysql.ReportRecord{
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Kind:      mysql.ReportBlocker,
		Status:    string(blocked.Status),
		Percent:   blocked.Progress,
		Message:   req.Reason,
		CreatedAt: time.Now().Unix(),
	})

	if o.alerts != nil {
		alertErr := o.alerts.Notify(ctx, alerting.Event{
			Code:       task.CodeTaskSync,
			Message:    req.Reason,
			Severity:   xerrors.SeverityWarning,
			TaskID:     req.TaskID,
			AgentID:    req.AgentID,
			OccurredAt: time.Now(),
		})
		if alertErr != nil {
			logger.L().Warn("阻塞告警发送失败",
				slog.Any("error", alertErr),
				slog.String("task_id", req.TaskID),
			)
		}
	}

	var suggestions []knowledge.Snippet
	if o.knowledge != nil {
		suggestions = o.knowledge.Query(req.Reason, blocked.Labels)
	}

	o.publish(ctx, task.Event{TaskID: blocked.ID, Kind: task.EventBlocked})
	logger.Audit().Info("任务阻塞",
		slog.String("task_id", blocked.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("reason", req.Reason),
	)
	return &BlockerReport{Task: blocked, Suggestions: suggestions}, nil
}

// UnassignTask 解除任务分配并重新开放给其他智能体。
func (o *Orchestrator) UnassignTask(ctx context.Context, taskID string) (*task.Task, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	previous, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	reopened, err := o.tasks.Unassign(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if previous.AssignedTo != "" && o.agents != nil {
		if err := o.agents.ClearAssignment(ctx, previous.AssignedTo, false); err != nil && !stdErrors.Is(err, agent.ErrAgentNotFound) {
			logger.L().Error("释放智能体失败",
				slog.Any("error", err),
				slog.String("agent_id", previous.AssignedTo),
			)
		}
	}

	o.publish(ctx, task.Event{TaskID: taskID, Kind: task.EventReopened})
	logger.Audit().Info("任务重新开放",
		slog.String("task_id", taskID),
		slog.String("previous_agent", previous.AssignedTo),
	)
	return reopened, nil
}

// GetTask 返回指定任务。
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return o.tasks.Get(ctx, id)
}

// ListTasks 返回符合过滤条件的任务列表。
func (o *Orchestrator) ListTasks(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return o.tasks.List(ctx, task.BuildListOptions(opts...))
}

// publish 尽力投递任务事件。投递失败只记录日志，不阻塞主流程，
// 看板同步依赖重投保证最终一致。
func (o *Orchestrator) publish(ctx context.Context, event task.Event) {
	if o.producer == nil {
		return
	}
	if err := o.producer.Publish(ctx, event); err != nil {
		logger.L().Error("任务事件入队失败",
			slog.Any("error", err),
			slog.String("task_id", event.TaskID),
			slog.String("kind", string(event.Kind)),
		)
	}
}

func (o *Orchestrator) appendReport(ctx context.Context, record mysql.ReportRecord) {
	if o.reports == nil {
		return
	}
	if err := o.reports.Save(ctx, record); err != nil {
		logger.L().Error("写入上报日志失败",
			slog.Any("error", err),
			slog.String("task_id", record.TaskID),
			slog.String("agent_id", record.AgentID),
		)
	}
}

// Close 释放底层资源。
func (o *Orchestrator) Close() error {
	var errs []error
	if o.tasks != nil {
		if err := o.tasks.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.agents != nil {
		if err := o.agents.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.producer != nil {
		if err := o.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
