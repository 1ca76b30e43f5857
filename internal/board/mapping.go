package board

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"OpenMCP-Conductor/internal/task"
)

// Mapping 描述任务状态与看板列表、任务标签与看板标签之间的对应关系。
type Mapping struct {
	// Lists 按任务状态映射到看板列表 ID。
	Lists map[string]string `yaml:"lists"`
	// Labels 按任务标签映射到看板标签 ID。
	Labels map[string]string `yaml:"labels"`
	// FallbackList 在状态未配置映射时使用。
	FallbackList string `yaml:"fallback_list"`
}

// LoadMapping 从 YAML 文件加载映射配置。
func LoadMapping(path string) (*Mapping, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("看板映射文件路径不能为空")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取看板映射文件失败: %w", err)
	}
	var mapping Mapping
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("解析看板映射文件失败: %w", err)
	}
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// Validate 检查映射配置是否可用。
func (m *Mapping) Validate() error {
	if m == nil {
		return fmt.Errorf("看板映射不能为空")
	}
	if len(m.Lists) == 0 && m.FallbackList == "" {
		return fmt.Errorf("看板映射至少需要一个列表")
	}
	for status := range m.Lists {
		if !task.IsValidStatus(task.Status(status)) {
			return fmt.Errorf("看板映射包含未知任务状态: %s", status)
		}
	}
	return nil
}

// ListFor 返回任务状态对应的看板列表 ID。
func (m *Mapping) ListFor(status task.Status) string {
	if m == nil {
		return ""
	}
	if listID, ok := m.Lists[string(status)]; ok && listID != "" {
		return listID
	}
	return m.FallbackList
}

// LabelsFor 将任务标签换算为看板标签 ID，未配置的标签被忽略。
func (m *Mapping) LabelsFor(labels []string) []string {
	if m == nil || len(m.Labels) == 0 || len(labels) == 0 {
		return nil
	}
	result := make([]string, 0, len(labels))
	for _, label := range labels {
		if boardLabel, ok := m.Labels[label]; ok && boardLabel != "" {
			result = append(result, boardLabel)
		}
	}
	return result
}
