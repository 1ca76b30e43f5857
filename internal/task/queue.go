package task

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "OpenMCP-Conductor/internal/errors"
)

// EventKind 标识任务发生的变化类型。
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventAssigned EventKind = "assigned"
	EventProgress EventKind = "progress"
	EventBlocked  EventKind = "blocked"
	EventDone     EventKind = "done"
	EventReopened EventKind = "reopened"
)

// Event 是投递到队列中的任务变化事件。
// 消费方按 TaskID 回查任务当前状态，事件本身只携带最小信息。
type Event struct {
	TaskID string    `json:"task_id"`
	Kind   EventKind `json:"kind"`
}

// EncodeEvent 将事件编码为队列消息体。
func EncodeEvent(event Event) (string, error) {
	if strings.TrimSpace(event.TaskID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "事件缺少任务 ID")
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码任务事件失败")
	}
	return string(bytes), nil
}

// DecodeEvent 解析队列消息体。
func DecodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务事件失败")
	}
	if strings.TrimSpace(event.TaskID) == "" {
		return Event{}, xerrors.New(xerrors.CodeQueueFailure, "任务事件缺少任务 ID")
	}
	return event, nil
}

// Handler 处理来自消息队列的任务事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向队列投递任务事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费任务事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
