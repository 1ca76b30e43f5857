package orchestrator

import (
	"context"
	stdErrors "errors"
	"time"

	"OpenMCP-Conductor/internal/agent"
	xerrors "OpenMCP-Conductor/internal/errors"
	"OpenMCP-Conductor/internal/storage/mysql"
	"OpenMCP-Conductor/internal/task"
)

// AgentStatus 汇总一个智能体的当前状态。
type AgentStatus struct {
	Agent         *agent.Agent         `json:"agent"`
	CurrentTask   *task.Task           `json:"current_task,omitempty"`
	RecentReports []mysql.ReportRecord `json:"recent_reports,omitempty"`
}

// recentReportLimit 是状态查询时返回的上报条数。
const recentReportLimit = 10

// GetAgentStatus 返回智能体及其当前任务与最近上报。
func (o *Orchestrator) GetAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	if o.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录未初始化")
	}
	worker, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	status := &AgentStatus{Agent: worker}
	if worker.CurrentTaskID != "" && o.tasks != nil {
		current, err := o.tasks.Get(ctx, worker.CurrentTaskID)
		if err == nil {
			status.CurrentTask = current
		} else if !stdErrors.Is(err, task.ErrTaskNotFound) {
			return nil, err
		}
	}
	if worker.CurrentTaskID != "" && o.reports != nil {
		reports, err := o.reports.ListByTask(ctx, worker.CurrentTaskID, recentReportLimit)
		if err == nil {
			status.RecentReports = reports
		}
	}
	return status, nil
}

// ListAgents 返回全部已注册的智能体。
func (o *Orchestrator) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	if o.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录未初始化")
	}
	return o.agents.List(ctx)
}

// ProjectStatus 汇总整个项目的任务与智能体情况。
type ProjectStatus struct {
	Tasks             task.TaskStats       `json:"tasks"`
	CompletionPercent int                  `json:"completion_percent"`
	AgentsTotal       int                  `json:"agents_total"`
	AgentsWorking     int                  `json:"agents_working"`
	AgentsIdle        int                  `json:"agents_idle"`
	RecentReports     []mysql.ReportRecord `json:"recent_reports,omitempty"`
	GeneratedAt       int64                `json:"generated_at"`
}

// GetProjectStatus 聚合任务统计与智能体状态，生成项目概览。
func (o *Orchestrator) GetProjectStatus(ctx context.Context) (*ProjectStatus, error) {
	if o.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}

	stats, err := o.tasks.Stats(ctx, task.ListOptions{})
	if err != nil {
		return nil, err
	}

	status := &ProjectStatus{
		Tasks:             stats,
		CompletionPercent: stats.CompletionPercent(),
		GeneratedAt:       time.Now().Unix(),
	}

	if o.agents != nil {
		agents, err := o.agents.List(ctx)
		if err != nil {
			return nil, err
		}
		status.AgentsTotal = len(agents)
		for _, worker := range agents {
			switch worker.State {
			case agent.StateWorking:
				status.AgentsWorking++
			case agent.StateIdle:
				status.AgentsIdle++
			}
		}
	}

	if o.reports != nil {
		reports, err := o.reports.ListLatest(ctx, recentReportLimit)
		if err == nil {
			status.RecentReports = reports
		}
	}
	return status, nil
}

// PingResult 描述服务健康状态。
type PingResult struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ServerTime    int64  `json:"server_time"`
}

// Ping 返回服务存活信息。
func (o *Orchestrator) Ping() PingResult {
	now := time.Now()
	return PingResult{
		Status:        "ok",
		UptimeSeconds: int64(now.Sub(o.startedAt).Seconds()),
		ServerTime:    now.Unix(),
	}
}
