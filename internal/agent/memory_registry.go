package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry 以内存方式维护智能体目录，主要用于开发与测试。
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	maxCount int
}

// NewMemoryRegistry 创建 MemoryRegistry。maxCount 小于等于 0 时不限制数量。
func NewMemoryRegistry(maxCount int) *MemoryRegistry {
	return &MemoryRegistry{
		agents:   make(map[string]*Agent),
		maxCount: maxCount,
	}
}

// Register 实现 Registry 接口。
func (m *MemoryRegistry) Register(_ context.Context, agent *Agent) (*Agent, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	if existing, ok := m.agents[agent.ID]; ok {
		// 幂等更新：保留任务绑定与完成计数。
		existing.Name = agent.Name
		existing.Role = agent.Role
		existing.Skills = cloneStrings(agent.Skills)
		existing.LastSeenAt = now
		if existing.State == StateOffline {
			existing.State = StateIdle
		}
		return cloneAgent(existing), nil
	}

	if m.maxCount > 0 && len(m.agents) >= m.maxCount {
		return nil, ErrAgentLimit
	}

	record := &Agent{
		ID:           agent.ID,
		Name:         agent.Name,
		Role:         agent.Role,
		Skills:       cloneStrings(agent.Skills),
		State:        StateIdle,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	m.agents[record.ID] = record
	return cloneAgent(record), nil
}

// Get 返回指定智能体。
func (m *MemoryRegistry) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(record), nil
}

// List 返回全部智能体，按注册时间排序。
func (m *MemoryRegistry) List(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, record := range m.agents {
		agents = append(agents, cloneAgent(record))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt != agents[j].RegisteredAt {
			return agents[i].RegisteredAt < agents[j].RegisteredAt
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// SetAssignment 绑定智能体与任务。
func (m *MemoryRegistry) SetAssignment(_ context.Context, id, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	record.CurrentTaskID = taskID
	record.State = StateWorking
	record.LastSeenAt = time.Now().Unix()
	return nil
}

// ClearAssignment 解除任务绑定。
func (m *MemoryRegistry) ClearAssignment(_ context.Context, id string, completed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	record.CurrentTaskID = ""
	record.State = StateIdle
	if completed {
		record.TasksCompleted++
	}
	record.LastSeenAt = time.Now().Unix()
	return nil
}

// Touch 刷新智能体的活跃时间。
func (m *MemoryRegistry) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	record.LastSeenAt = time.Now().Unix()
	if record.State == StateOffline {
		record.State = StateIdle
	}
	return nil
}

// Close 实现 Registry 接口，无需释放资源。
func (m *MemoryRegistry) Close() error {
	return nil
}

func cloneAgent(agent *Agent) *Agent {
	if agent == nil {
		return nil
	}
	copied := *agent
	copied.Skills = cloneStrings(agent.Skills)
	return &copied
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	copied := make([]string, len(values))
	copy(copied, values)
	return copied
}

var _ Registry = (*MemoryRegistry)(nil)
