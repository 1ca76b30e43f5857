package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Conductor/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于开发与测试。
//
// 所有写操作都在同一把互斥锁内完成，Assign 的"至多分配一次"
// 不变量由该锁直接保证。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	if task.Status == "" {
		task.Status = StatusTodo
	}
	if !IsValidStatus(task.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Assign 在锁内挑选一个可分配任务并绑定给智能体。
func (m *MemoryStore) Assign(_ context.Context, agentID string, skills []string) (*Task, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidate *Task
	for _, task := range m.tasks {
		if task.Status != StatusTodo || task.AssignedTo != "" {
			continue
		}
		if !task.MatchesSkills(skills) {
			continue
		}
		if candidate == nil || moreUrgent(task, candidate) {
			candidate = task
		}
	}
	if candidate == nil {
		return nil, ErrNoTaskAvailable
	}
	candidate.Status = StatusInProgress
	candidate.AssignedTo = agentID
	candidate.BlockReason = ""
	candidate.UpdatedAt = time.Now().Unix()
	return cloneTask(candidate), nil
}

// moreUrgent 判断 a 是否应当先于 b 被分配。
func moreUrgent(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// FindAssigned 返回智能体当前持有的任务。
func (m *MemoryStore) FindAssigned(_ context.Context, agentID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, task := range m.tasks {
		if task.AssignedTo != agentID {
			continue
		}
		if task.Status == StatusInProgress || task.Status == StatusBlocked {
			return cloneTask(task), nil
		}
	}
	return nil, ErrTaskNotFound
}

// UpdateProgress 更新任务进度，到达 100 时任务完成。
func (m *MemoryStore) UpdateProgress(_ context.Context, id, agentID string, percent int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusDone {
		return cloneTask(task), ErrTaskDone
	}
	if task.AssignedTo != agentID {
		return cloneTask(task), ErrNotAssignee
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	task.Progress = percent
	task.BlockReason = ""
	if percent >= 100 {
		task.Status = StatusDone
	} else {
		task.Status = StatusInProgress
	}
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkBlocked 将任务标记为阻塞。
func (m *MemoryStore) MarkBlocked(_ context.Context, id, agentID, reason string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusDone {
		return cloneTask(task), ErrTaskDone
	}
	if task.AssignedTo != agentID {
		return cloneTask(task), ErrNotAssignee
	}
	task.Status = StatusBlocked
	task.BlockReason = reason
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Unassign 解除分配并回到待办状态。
func (m *MemoryStore) Unassign(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusDone {
		return cloneTask(task), ErrTaskDone
	}
	task.Status = StatusTodo
	task.AssignedTo = ""
	task.BlockReason = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusTodo:
			stats.Todo++
		case StatusInProgress:
			stats.InProgress++
		case StatusBlocked:
			stats.Blocked++
		case StatusDone:
			stats.Done++
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AssignedTo != "" && task.AssignedTo != opts.AssignedTo {
		return false
	}
	if opts.Label != "" && !task.HasLabel(opts.Label) {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" && !matchesQuery(task, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(task *Task, query string) bool {
	if task == nil {
		return false
	}
	needle := strings.ToLower(query)
	for _, field := range []string{task.ID, task.Name, task.Description, task.BlockReason, task.AssignedTo} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
