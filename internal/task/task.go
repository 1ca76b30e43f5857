package task

import (
	xerrors "OpenMCP-Conductor/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Subtask 描述任务下的一个子项，仅用于看板展示与进度核对。
type Subtask struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Task 描述了等待分配给智能体执行的一项工作。
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	Labels      []string  `json:"labels,omitempty"`
	Subtasks    []Subtask `json:"subtasks,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	Progress    int       `json:"progress"`
	BlockReason string    `json:"block_reason,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNoTaskAvailable 表示当前没有可分配给该智能体的任务。
	ErrNoTaskAvailable = xerrors.New(CodeTaskNoneAvailable, "no task available", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrNotAssignee 表示上报者并不持有该任务。
	ErrNotAssignee = xerrors.New(CodeTaskNotAssignee, "task is held by another agent", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskDone 表示任务已经完成，不再接受上报。
	ErrTaskDone = xerrors.New(CodeTaskDone, "task already done", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict      xerrors.Code = "TASK_CONFLICT"
	CodeTaskNoneAvailable xerrors.Code = "TASK_NONE_AVAILABLE"
	CodeTaskNotAssignee   xerrors.Code = "TASK_NOT_ASSIGNEE"
	CodeTaskDone          xerrors.Code = "TASK_DONE"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish       xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskSync          xerrors.Code = "TASK_SYNC_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNoneAvailable, xerrors.Attributes{
		Message:   "no task available",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotAssignee, xerrors.Attributes{
		Message:   "task is held by another agent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskDone, xerrors.Attributes{
		Message:   "task already done",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task event",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskSync, xerrors.Attributes{
		Message:   "failed to mirror task to board",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusDone:
		return true
	default:
		return false
	}
}

// Terminal 判断任务是否已经到达终止状态。
func (t *Task) Terminal() bool {
	return t != nil && t.Status == StatusDone
}

// HasLabel 判断任务是否携带指定标签。
func (t *Task) HasLabel(label string) bool {
	if t == nil {
		return false
	}
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// MatchesSkills 判断任务是否可以分配给具备给定技能的智能体。
// 未携带标签的任务对所有智能体开放；携带标签的任务要求标签与技能存在交集。
func (t *Task) MatchesSkills(skills []string) bool {
	if t == nil {
		return false
	}
	if len(t.Labels) == 0 {
		return true
	}
	for _, skill := range skills {
		if t.HasLabel(skill) {
			return true
		}
	}
	return false
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	clone.Labels = cloneStrings(task.Labels)
	if task.Subtasks != nil {
		clone.Subtasks = make([]Subtask, len(task.Subtasks))
		copy(clone.Subtasks, task.Subtasks)
	}
	return &clone
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	cloned := make([]string, len(values))
	copy(cloned, values)
	return cloned
}
