package agent

import (
	"context"
	"strings"

	xerrors "OpenMCP-Conductor/internal/errors"
)

// State 表示智能体的当前工作状态。
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
	StateOffline State = "offline"
)

// Agent 描述一个已注册的智能体。
type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Skills         []string `json:"skills,omitempty"`
	State          State    `json:"state"`
	CurrentTaskID  string   `json:"current_task_id,omitempty"`
	TasksCompleted int      `json:"tasks_completed"`
	RegisteredAt   int64    `json:"registered_at"`
	LastSeenAt     int64    `json:"last_seen_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体尚未注册。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentLimit 表示注册数量达到上限。
	ErrAgentLimit = xerrors.New(CodeAgentLimit, "agent limit reached", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentValidation xerrors.Code = "AGENT_VALIDATION_FAILED"
	CodeAgentLimit      xerrors.Code = "AGENT_LIMIT_REACHED"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:   "agent validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentLimit, xerrors.Attributes{
		Message:   "agent limit reached",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Validate 检查注册信息是否完整。
func (a *Agent) Validate() error {
	if a == nil {
		return xerrors.New(CodeAgentValidation, "agent 不能为空")
	}
	if strings.TrimSpace(a.ID) == "" {
		return xerrors.New(CodeAgentValidation, "agent ID 不能为空")
	}
	if strings.TrimSpace(a.Name) == "" {
		return xerrors.New(CodeAgentValidation, "agent 名称不能为空")
	}
	if strings.TrimSpace(a.Role) == "" {
		return xerrors.New(CodeAgentValidation, "agent 角色不能为空")
	}
	return nil
}

// Registry 维护智能体目录。
//
// Register 对同一 ID 是幂等的：重复注册更新名称、角色与技能，
// 不会丢失已有的任务绑定与完成计数。
type Registry interface {
	// Register 新增或更新智能体。
	Register(ctx context.Context, agent *Agent) (*Agent, error)
	// Get 返回指定智能体。
	Get(ctx context.Context, id string) (*Agent, error)
	// List 返回全部智能体，按注册时间排序。
	List(ctx context.Context) ([]*Agent, error)
	// SetAssignment 绑定智能体与任务并置为工作状态。
	SetAssignment(ctx context.Context, id, taskID string) error
	// ClearAssignment 解除任务绑定；completed 为真时累加完成计数。
	ClearAssignment(ctx context.Context, id string, completed bool) error
	// Touch 刷新智能体的活跃时间。
	Touch(ctx context.Context, id string) error
	// Close 释放底层资源。
	Close() error
}
