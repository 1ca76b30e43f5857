package task

// TaskStats 聚合了任务状态的统计信息，常用于项目概览或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Todo            int   `json:"todo"`
	InProgress      int   `json:"in_progress"`
	Blocked         int   `json:"blocked"`
	Done            int   `json:"done"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// CompletionPercent 返回完成百分比，结果向下取整。
func (s TaskStats) CompletionPercent() int {
	if s.Total == 0 {
		return 0
	}
	return s.Done * 100 / s.Total
}
