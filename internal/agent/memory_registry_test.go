package agent

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRegistryRegisterIsIdempotent(t *testing.T) {
	registry := NewMemoryRegistry(0)
	ctx := context.Background()

	first, err := registry.Register(ctx, &Agent{ID: "dev-1", Name: "Alice", Role: "backend", Skills: []string{"go"}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.State != StateIdle || first.RegisteredAt == 0 {
		t.Fatalf("unexpected registered agent: %+v", first)
	}

	if err := registry.SetAssignment(ctx, "dev-1", "t1"); err != nil {
		t.Fatalf("set assignment: %v", err)
	}

	// 重复注册更新资料，但不能清掉进行中的任务绑定。
	second, err := registry.Register(ctx, &Agent{ID: "dev-1", Name: "Alice B", Role: "fullstack", Skills: []string{"go", "react"}})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.Name != "Alice B" || second.Role != "fullstack" {
		t.Fatalf("expected profile updated, got %+v", second)
	}
	if second.CurrentTaskID != "t1" || second.State != StateWorking {
		t.Fatalf("expected assignment preserved, got %+v", second)
	}
	if second.RegisteredAt != first.RegisteredAt {
		t.Fatalf("expected registration time preserved")
	}
}

func TestMemoryRegistryValidation(t *testing.T) {
	registry := NewMemoryRegistry(0)
	ctx := context.Background()

	cases := []*Agent{
		nil,
		{Name: "no id", Role: "backend"},
		{ID: "a1", Role: "backend"},
		{ID: "a1", Name: "no role"},
	}
	for i, candidate := range cases {
		if _, err := registry.Register(ctx, candidate); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestMemoryRegistryLimit(t *testing.T) {
	registry := NewMemoryRegistry(1)
	ctx := context.Background()

	if _, err := registry.Register(ctx, &Agent{ID: "a1", Name: "one", Role: "backend"}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if _, err := registry.Register(ctx, &Agent{ID: "a2", Name: "two", Role: "backend"}); !errors.Is(err, ErrAgentLimit) {
		t.Fatalf("expected ErrAgentLimit, got %v", err)
	}
	// 已注册的智能体不受上限影响。
	if _, err := registry.Register(ctx, &Agent{ID: "a1", Name: "one again", Role: "backend"}); err != nil {
		t.Fatalf("re-register within limit: %v", err)
	}
}

func TestMemoryRegistryAssignmentLifecycle(t *testing.T) {
	registry := NewMemoryRegistry(0)
	ctx := context.Background()

	if _, err := registry.Register(ctx, &Agent{ID: "a1", Name: "one", Role: "backend"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := registry.SetAssignment(ctx, "a1", "t9"); err != nil {
		t.Fatalf("set assignment: %v", err)
	}
	got, err := registry.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateWorking || got.CurrentTaskID != "t9" {
		t.Fatalf("unexpected working agent: %+v", got)
	}

	if err := registry.ClearAssignment(ctx, "a1", true); err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	got, err = registry.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if got.State != StateIdle || got.CurrentTaskID != "" || got.TasksCompleted != 1 {
		t.Fatalf("unexpected idle agent: %+v", got)
	}

	if err := registry.SetAssignment(ctx, "missing", "t1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestMemoryRegistryListOrder(t *testing.T) {
	registry := NewMemoryRegistry(0)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := registry.Register(ctx, &Agent{ID: id, Name: id, Role: "backend"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	agents, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	// 同一秒注册时按 ID 排序。
	if agents[0].ID > agents[1].ID && agents[0].RegisteredAt == agents[1].RegisteredAt {
		t.Fatalf("unexpected order: %s before %s", agents[0].ID, agents[1].ID)
	}
}
