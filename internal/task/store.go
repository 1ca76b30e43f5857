package task

import "context"

// Store 抽象了任务状态的持久化接口。
//
// 分配相关的不变量由 Store 实现负责：任意时刻一个任务至多被一个
// 智能体持有，Assign 对同一任务绝不会同时成功两次。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)

	// Assign 从待办任务中挑选最多一个可分配给该智能体的任务，
	// 将其标记为进行中并绑定到 agentID。没有任务可分配时返回
	// ErrNoTaskAvailable。
	Assign(ctx context.Context, agentID string, skills []string) (*Task, error)

	// FindAssigned 返回该智能体当前持有的任务（进行中或阻塞），
	// 不存在时返回 ErrTaskNotFound。
	FindAssigned(ctx context.Context, agentID string) (*Task, error)

	// UpdateProgress 更新任务进度。percent 达到 100 时任务转为完成。
	// 上报阻塞中的任务会自动恢复为进行中。
	UpdateProgress(ctx context.Context, id, agentID string, percent int) (*Task, error)

	// MarkBlocked 将任务标记为阻塞，保留当前持有者。
	MarkBlocked(ctx context.Context, id, agentID, reason string) (*Task, error)

	// Unassign 解除任务的分配关系并回到待办状态，供运维介入使用。
	Unassign(ctx context.Context, id string) (*Task, error)

	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
