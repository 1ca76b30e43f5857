package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type toolKey struct {
	tool    string
	outcome string
}

type toolStats struct {
	mu       sync.Mutex
	calls    map[toolKey]uint64
	duration map[string]*histogram
}

var toolCollector = &toolStats{
	calls:    make(map[toolKey]uint64),
	duration: make(map[string]*histogram),
}

// ObserveToolCall records the outcome and latency of a single tool invocation.
func ObserveToolCall(tool string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	toolCollector.mu.Lock()
	defer toolCollector.mu.Unlock()

	toolCollector.calls[toolKey{tool: tool, outcome: outcome}]++
	hist := toolCollector.duration[tool]
	if hist == nil {
		hist = newHistogram()
		toolCollector.duration[tool] = hist
	}
	hist.observe(duration.Seconds())
}

func (t *toolStats) render() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	type callMetric struct {
		toolKey
		value uint64
	}
	calls := make([]callMetric, 0, len(t.calls))
	for key, value := range t.calls {
		calls = append(calls, callMetric{toolKey: key, value: value})
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].tool == calls[j].tool {
			return calls[i].outcome < calls[j].outcome
		}
		return calls[i].tool < calls[j].tool
	})

	tools := make([]string, 0, len(t.duration))
	for tool := range t.duration {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP conductor_tool_calls_total Total number of tool invocations handled.\n")
	builder.WriteString("# TYPE conductor_tool_calls_total counter\n")
	for _, metric := range calls {
		builder.WriteString(fmt.Sprintf("conductor_tool_calls_total{tool=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.tool), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP conductor_tool_call_duration_seconds Tool invocation duration in seconds.\n")
	builder.WriteString("# TYPE conductor_tool_call_duration_seconds histogram\n")
	for _, tool := range tools {
		hist := t.duration[tool]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("conductor_tool_call_duration_seconds_bucket{tool=\"%s\",le=\"%s\"} %d\n",
				escape(tool), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("conductor_tool_call_duration_seconds_bucket{tool=\"%s\",le=\"+Inf\"} %d\n",
			escape(tool), hist.count))
		builder.WriteString(fmt.Sprintf("conductor_tool_call_duration_seconds_sum{tool=\"%s\"} %s\n",
			escape(tool), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("conductor_tool_call_duration_seconds_count{tool=\"%s\"} %d\n",
			escape(tool), hist.count))
	}

	return builder.String()
}
