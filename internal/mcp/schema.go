package mcp

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// Input types for the conductor tools.
type RegisterAgentInput struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Skills []string `json:"skills,omitempty"`
}

type RequestNextTaskInput struct {
	AgentID string `json:"agentId"`
}

type ReportProgressInput struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type ReportBlockerInput struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Reason  string `json:"reason"`
}

type GetAgentStatusInput struct {
	AgentID string `json:"agentId"`
}

type GetProjectStatusInput struct{}

type ListAgentsInput struct{}

type PingInput struct{}

type CreateTaskInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type ListTasksInput struct {
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Label    string `json:"label,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// JSON Schema definitions for the conductor tools.
var RegisterAgentInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"id": {
			Type:        "string",
			Description: "Stable agent identifier, e.g. backend_dev_1",
		},
		"name": {
			Type:        "string",
			Description: "Human readable agent name",
		},
		"role": {
			Type:        "string",
			Description: "Agent role (e.g. backend, frontend, qa)",
		},
		"skills": {
			Type:        "array",
			Description: "Skills used to match labelled tasks",
			Items:       &jsonschema.Schema{Type: "string"},
		},
	},
	Required:             []string{"id", "name", "role"},
	AdditionalProperties: boolSchema(false),
}

var RequestNextTaskInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"agentId": {
			Type:        "string",
			Description: "ID of the registered agent requesting work",
		},
	},
	Required:             []string{"agentId"},
	AdditionalProperties: boolSchema(false),
}

var ReportProgressInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"agentId": {
			Type:        "string",
			Description: "ID of the agent reporting progress",
		},
		"taskId": {
			Type:        "string",
			Description: "ID of the task being worked on",
		},
		"percent": {
			Type:        "integer",
			Description: "Completion percentage; 100 completes the task",
			Minimum:     float64Ptr(0),
			Maximum:     float64Ptr(100),
		},
		"message": {
			Type:        "string",
			Description: "Optional progress note",
		},
	},
	Required:             []string{"agentId", "taskId", "percent"},
	AdditionalProperties: boolSchema(false),
}

var ReportBlockerInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"agentId": {
			Type:        "string",
			Description: "ID of the blocked agent",
		},
		"taskId": {
			Type:        "string",
			Description: "ID of the blocked task",
		},
		"reason": {
			Type:        "string",
			Description: "What is blocking the task",
		},
	},
	Required:             []string{"agentId", "taskId", "reason"},
	AdditionalProperties: boolSchema(false),
}

var GetAgentStatusInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"agentId": {
			Type:        "string",
			Description: "ID of the agent to inspect",
		},
	},
	Required:             []string{"agentId"},
	AdditionalProperties: boolSchema(false),
}

var GetProjectStatusInputSchema = &jsonschema.Schema{
	Type:                 "object",
	AdditionalProperties: boolSchema(false),
}

var ListAgentsInputSchema = &jsonschema.Schema{
	Type:                 "object",
	AdditionalProperties: boolSchema(false),
}

var PingInputSchema = &jsonschema.Schema{
	Type:                 "object",
	AdditionalProperties: boolSchema(false),
}

var CreateTaskInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"name": {
			Type:        "string",
			Description: "Task name",
		},
		"description": {
			Type:        "string",
			Description: "Detailed task description",
		},
		"priority": {
			Type:        "integer",
			Description: "Higher values are assigned first",
			Minimum:     float64Ptr(1),
		},
		"labels": {
			Type:        "array",
			Description: "Labels matched against agent skills",
			Items:       &jsonschema.Schema{Type: "string"},
		},
	},
	Required:             []string{"name"},
	AdditionalProperties: boolSchema(false),
}

var ListTasksInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"status": {
			Type:        "string",
			Description: "Filter tasks by status",
			Enum:        []interface{}{"todo", "in_progress", "blocked", "done"},
		},
		"assignee": {
			Type:        "string",
			Description: "Filter tasks by assigned agent ID",
		},
		"label": {
			Type:        "string",
			Description: "Filter tasks carrying a label",
		},
		"limit": {
			Type:        "integer",
			Description: "Maximum number of tasks to return",
			Default:     intPtr(20),
			Minimum:     float64Ptr(1),
			Maximum:     float64Ptr(100),
		},
		"offset": {
			Type:        "integer",
			Description: "Number of tasks to skip (for pagination)",
			Default:     intPtr(0),
			Minimum:     float64Ptr(0),
		},
	},
	AdditionalProperties: boolSchema(false),
}

func float64Ptr(f float64) *float64 {
	return &f
}

func intPtr(i int) json.RawMessage {
	b, _ := json.Marshal(i)
	return b
}

// cloneSchema 深拷贝模式定义。SDK 的 AddTool 会就地解析输入模式，
// 共享的包级模式变量必须在每次注册前复制，否则重复注册会 panic。
func cloneSchema(s *jsonschema.Schema) *jsonschema.Schema {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	clone := &jsonschema.Schema{}
	if err := json.Unmarshal(data, clone); err != nil {
		panic(err)
	}
	return clone
}

func boolSchema(b bool) *jsonschema.Schema {
	if b {
		return &jsonschema.Schema{}
	}
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}
