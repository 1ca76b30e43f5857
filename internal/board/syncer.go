package board

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenMCP-Conductor/internal/errors"
	"OpenMCP-Conductor/internal/observability/alerting"
	"OpenMCP-Conductor/internal/task"
	"OpenMCP-Conductor/pkg/logger"
)

// Syncer 消费任务事件，把看板卡片对齐到任务的最新状态。
//
// 同步是至少一次语义：处理失败的事件会被队列重投，
// 所有卡片操作都必须允许重复执行。
type Syncer struct {
	api         CardAPI
	store       task.Store
	consumer    task.Consumer
	mapping     *Mapping
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu    sync.Mutex
	cards map[string]string // task ID -> card ID
}

// SyncerOption 定义可选配置。
type SyncerOption func(*Syncer)

// WithSyncerLogger 指定日志输出。
func WithSyncerLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) SyncerOption {
	return func(s *Syncer) {
		if workers > 0 {
			s.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) SyncerOption {
	return func(s *Syncer) {
		s.alerter = dispatcher
	}
}

// NewSyncer 构造 Syncer。
func NewSyncer(api CardAPI, store task.Store, consumer task.Consumer, mapping *Mapping, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		api:         api,
		store:       store,
		consumer:    consumer,
		mapping:     mapping,
		workerCount: 1,
		cards:       make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.workerCount <= 0 {
		s.workerCount = 1
	}
	return s
}

// Start 启动看板同步循环。
func (s *Syncer) Start(ctx context.Context) error {
	if s.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	return s.consumer.Consume(ctx, s.workerCount, s.handle)
}

func (s *Syncer) handle(ctx context.Context, event task.Event) error {
	if s.api == nil || s.store == nil || s.mapping == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "看板同步器未初始化")
	}

	current, err := s.store.Get(ctx, event.TaskID)
	if err != nil {
		if stdErrors.Is(err, task.ErrTaskNotFound) {
			s.logDebug("跳过已删除任务的事件", slog.String("task_id", event.TaskID))
			return nil
		}
		return xerrors.Wrap(task.CodeTaskSync, err, "读取任务状态失败")
	}

	cardID, err := s.resolveCard(ctx, current)
	if err != nil {
		s.emitAlert(ctx, event, err)
		return err
	}

	listID := s.mapping.ListFor(current.Status)
	labels := s.mapping.LabelsFor(current.Labels)
	description := buildCardDescription(current)

	patch := CardPatch{
		ListID:      &listID,
		Name:        &current.Name,
		Description: &description,
	}
	if labels != nil {
		patch.Labels = &labels
	}
	if err := s.api.UpdateCard(ctx, cardID, patch); err != nil {
		wrapped := xerrors.Wrap(task.CodeTaskSync, err, "更新看板卡片失败")
		s.emitAlert(ctx, event, wrapped)
		return wrapped
	}

	if event.Kind == task.EventBlocked && current.BlockReason != "" {
		comment := fmt.Sprintf("[blocked] %s", current.BlockReason)
		if err := s.api.AddComment(ctx, cardID, comment); err != nil {
			// 评论失败不影响卡片状态，记录后继续。
			logger.L().Warn("写入看板评论失败",
				slog.Any("error", err),
				slog.String("task_id", current.ID),
			)
		}
	}

	s.logDebug("看板同步完成",
		slog.String("task_id", current.ID),
		slog.String("card_id", cardID),
		slog.String("status", string(current.Status)),
	)
	return nil
}

// resolveCard 返回任务对应的卡片 ID，必要时先按外部 ID 查找或创建。
func (s *Syncer) resolveCard(ctx context.Context, t *task.Task) (string, error) {
	s.mu.Lock()
	cardID, ok := s.cards[t.ID]
	s.mu.Unlock()
	if ok {
		return cardID, nil
	}

	existing, err := s.api.FindCard(ctx, t.ID)
	if err != nil {
		return "", xerrors.Wrap(task.CodeTaskSync, err, "查找看板卡片失败")
	}
	if existing != nil {
		s.rememberCard(t.ID, existing.ID)
		return existing.ID, nil
	}

	created, err := s.api.CreateCard(ctx, CardDraft{
		ListID:      s.mapping.ListFor(t.Status),
		Name:        t.Name,
		Description: buildCardDescription(t),
		Labels:      s.mapping.LabelsFor(t.Labels),
		ExternalID:  t.ID,
	})
	if err != nil {
		return "", xerrors.Wrap(task.CodeTaskSync, err, "创建看板卡片失败")
	}
	s.rememberCard(t.ID, created.ID)
	return created.ID, nil
}

func (s *Syncer) rememberCard(taskID, cardID string) {
	s.mu.Lock()
	s.cards[taskID] = cardID
	s.mu.Unlock()
}

func buildCardDescription(t *task.Task) string {
	description := t.Description
	if t.AssignedTo != "" {
		description += fmt.Sprintf("\n\n负责人: %s (进度 %d%%)", t.AssignedTo, t.Progress)
	}
	if len(t.Subtasks) > 0 {
		description += "\n"
		for _, subtask := range t.Subtasks {
			mark := " "
			if subtask.Done {
				mark = "x"
			}
			description += fmt.Sprintf("\n- [%s] %s", mark, subtask.Name)
		}
	}
	return description
}

func (s *Syncer) logDebug(msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		s.logger.Debug(msg, args...)
	}
}

func (s *Syncer) emitAlert(ctx context.Context, event task.Event, cause error) {
	if s == nil || s.alerter == nil {
		return
	}
	alertEvent := alerting.Event{
		Code:       task.CodeTaskSync,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     event.TaskID,
		Metadata:   map[string]string{"kind": string(event.Kind)},
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, alertEvent); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", event.TaskID),
		)
	}
}
