package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreAssignOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tasks := []*Task{
		{ID: "low", Name: "low priority", Priority: 10},
		{ID: "high", Name: "high priority", Priority: 90},
		{ID: "mid", Name: "mid priority", Priority: 50},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	first, err := store.Assign(ctx, "agent-1", nil)
	if err != nil {
		t.Fatalf("assign first: %v", err)
	}
	if first.ID != "high" {
		t.Fatalf("expected highest priority task first, got %s", first.ID)
	}
	if first.Status != StatusInProgress || first.AssignedTo != "agent-1" {
		t.Fatalf("unexpected assigned task: %+v", first)
	}

	second, err := store.Assign(ctx, "agent-2", nil)
	if err != nil {
		t.Fatalf("assign second: %v", err)
	}
	if second.ID != "mid" {
		t.Fatalf("expected mid priority task second, got %s", second.ID)
	}

	third, err := store.Assign(ctx, "agent-3", nil)
	if err != nil {
		t.Fatalf("assign third: %v", err)
	}
	if third.ID != "low" {
		t.Fatalf("expected low priority task third, got %s", third.ID)
	}

	if _, err := store.Assign(ctx, "agent-4", nil); !errors.Is(err, ErrNoTaskAvailable) {
		t.Fatalf("expected ErrNoTaskAvailable, got %v", err)
	}
}

func TestMemoryStoreAssignSkillMatching(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tasks := []*Task{
		{ID: "backend", Name: "api work", Priority: 80, Labels: []string{"go", "api"}},
		{ID: "frontend", Name: "ui work", Priority: 90, Labels: []string{"react"}},
		{ID: "free", Name: "anything goes", Priority: 10},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	got, err := store.Assign(ctx, "gopher", []string{"go"})
	if err != nil {
		t.Fatalf("assign with skills: %v", err)
	}
	if got.ID != "backend" {
		t.Fatalf("expected skill-matched task, got %s", got.ID)
	}

	// 未命中任何标签的智能体仍可领取无标签任务。
	got, err = store.Assign(ctx, "generalist", []string{"ops"})
	if err != nil {
		t.Fatalf("assign generalist: %v", err)
	}
	if got.ID != "free" {
		t.Fatalf("expected unlabelled task, got %s", got.ID)
	}
}

func TestMemoryStoreAssignConcurrentNoDoubleAssignment(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const taskCount = 8
	const agentCount = 32

	ids := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	for i, id := range ids {
		if err := store.Create(ctx, &Task{ID: id, Name: id, Priority: i}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}

	var mu sync.Mutex
	assigned := make(map[string]string, taskCount)

	var wg sync.WaitGroup
	for i := 0; i < agentCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := string(rune('a' + n%26))
			task, err := store.Assign(ctx, agentID, nil)
			if err != nil {
				if errors.Is(err, ErrNoTaskAvailable) {
					return
				}
				t.Errorf("assign: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if owner, ok := assigned[task.ID]; ok {
				t.Errorf("task %s assigned to both %s and %s", task.ID, owner, agentID)
				return
			}
			assigned[task.ID] = agentID
		}(i)
	}
	wg.Wait()

	if len(assigned) != taskCount {
		t.Fatalf("expected all %d tasks assigned exactly once, got %d", taskCount, len(assigned))
	}
}

func TestMemoryStoreProgressLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Name: "demo", Priority: 50}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Assign(ctx, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	task, err := store.UpdateProgress(ctx, "t1", "agent-1", 40)
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if task.Progress != 40 || task.Status != StatusInProgress {
		t.Fatalf("unexpected task after progress: %+v", task)
	}

	if _, err := store.UpdateProgress(ctx, "t1", "agent-2", 50); !errors.Is(err, ErrNotAssignee) {
		t.Fatalf("expected ErrNotAssignee, got %v", err)
	}

	task, err = store.MarkBlocked(ctx, "t1", "agent-1", "waiting for credentials")
	if err != nil {
		t.Fatalf("mark blocked: %v", err)
	}
	if task.Status != StatusBlocked || task.BlockReason == "" {
		t.Fatalf("unexpected blocked task: %+v", task)
	}
	if task.AssignedTo != "agent-1" {
		t.Fatalf("blocked task must keep its assignee, got %q", task.AssignedTo)
	}

	// 阻塞中的任务不会被再次分配。
	if _, err := store.Assign(ctx, "agent-3", nil); !errors.Is(err, ErrNoTaskAvailable) {
		t.Fatalf("expected no task available, got %v", err)
	}

	// 进度上报自动解除阻塞。
	task, err = store.UpdateProgress(ctx, "t1", "agent-1", 80)
	if err != nil {
		t.Fatalf("resume progress: %v", err)
	}
	if task.Status != StatusInProgress || task.BlockReason != "" {
		t.Fatalf("expected task resumed, got %+v", task)
	}

	task, err = store.UpdateProgress(ctx, "t1", "agent-1", 100)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != StatusDone || task.Progress != 100 {
		t.Fatalf("expected done task, got %+v", task)
	}

	if _, err := store.UpdateProgress(ctx, "t1", "agent-1", 10); !errors.Is(err, ErrTaskDone) {
		t.Fatalf("expected ErrTaskDone, got %v", err)
	}
}

func TestMemoryStoreUnassignReopens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Name: "demo", Priority: 50}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Assign(ctx, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	task, err := store.Unassign(ctx, "t1")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if task.Status != StatusTodo || task.AssignedTo != "" {
		t.Fatalf("expected reopened task, got %+v", task)
	}

	// 重新开放后可以被其他智能体领取。
	got, err := store.Assign(ctx, "agent-2", nil)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.ID != "t1" || got.AssignedTo != "agent-2" {
		t.Fatalf("unexpected reassigned task: %+v", got)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Name: "setup database", Priority: 10, Labels: []string{"db"}},
		{ID: "t2", Name: "write handlers", Priority: 20, Labels: []string{"go"}},
		{ID: "t3", Name: "draft docs", Priority: 30},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := store.Assign(ctx, "agent-1", []string{"go"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := store.MarkBlocked(ctx, "t3", "", ""); !errors.Is(err, ErrNotAssignee) {
		t.Fatalf("expected ErrNotAssignee for unassigned task, got %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	inProgress, err := store.List(ctx, BuildListOptions(WithStatuses(StatusInProgress)))
	if err != nil {
		t.Fatalf("list in progress: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != "t2" {
		t.Fatalf("unexpected in-progress list: %+v", inProgress)
	}

	mine, err := store.List(ctx, BuildListOptions(WithAssignee("agent-1")))
	if err != nil {
		t.Fatalf("list by assignee: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "t2" {
		t.Fatalf("unexpected assignee list: %+v", mine)
	}

	labelled, err := store.List(ctx, BuildListOptions(WithLabel("db")))
	if err != nil {
		t.Fatalf("list by label: %v", err)
	}
	if len(labelled) != 1 || labelled[0].ID != "t1" {
		t.Fatalf("unexpected label list: %+v", labelled)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(since)))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	matched, err := store.List(ctx, BuildListOptions(WithQuery("database")))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t1" {
		t.Fatalf("unexpected query list: %+v", matched)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	tasks := []*Task{
		{ID: "a", Name: "g1", Priority: 10},
		{ID: "b", Name: "g2", Priority: 20},
		{ID: "c", Name: "g3", Priority: 30},
		{ID: "d", Name: "g4", Priority: 40},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, agentID := range []string{"w1", "w2", "w3"} {
		if _, err := store.Assign(ctx, agentID, nil); err != nil {
			t.Fatalf("assign %s: %v", agentID, err)
		}
	}
	if _, err := store.UpdateProgress(ctx, "d", "w1", 100); err != nil {
		t.Fatalf("complete d: %v", err)
	}
	if _, err := store.MarkBlocked(ctx, "c", "w2", "blocked on review"); err != nil {
		t.Fatalf("block c: %v", err)
	}

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["d"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Todo != 1 || stats.InProgress != 1 || stats.Blocked != 1 || stats.Done != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}
	if got := stats.CompletionPercent(); got != 25 {
		t.Fatalf("unexpected completion percent: %d", got)
	}

	blockedOnly, err := store.Stats(ctx, BuildListOptions(WithStatuses(StatusBlocked)))
	if err != nil {
		t.Fatalf("stats blocked only: %v", err)
	}
	if blockedOnly.Total != 1 || blockedOnly.Blocked != 1 {
		t.Fatalf("unexpected blocked stats: %+v", blockedOnly)
	}
}
