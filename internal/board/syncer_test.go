package board

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"OpenMCP-Conductor/internal/task"
)

type fakeCardAPI struct {
	mu       sync.Mutex
	nextID   int
	cards    map[string]*Card // card ID -> card
	byTask   map[string]string
	comments map[string][]string
	failFind bool
}

func newFakeCardAPI() *fakeCardAPI {
	return &fakeCardAPI{
		cards:    make(map[string]*Card),
		byTask:   make(map[string]string),
		comments: make(map[string][]string),
	}
}

func (f *fakeCardAPI) FindCard(_ context.Context, externalID string) (*Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFind {
		return nil, &APIError{StatusCode: 500, Message: "board unavailable"}
	}
	cardID, ok := f.byTask[externalID]
	if !ok {
		return nil, nil
	}
	copied := *f.cards[cardID]
	return &copied, nil
}

func (f *fakeCardAPI) CreateCard(_ context.Context, draft CardDraft) (*Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	card := &Card{
		ID:          fmt.Sprintf("card-%d", f.nextID),
		ListID:      draft.ListID,
		Name:        draft.Name,
		Description: draft.Description,
		Labels:      draft.Labels,
		ExternalID:  draft.ExternalID,
	}
	f.cards[card.ID] = card
	f.byTask[draft.ExternalID] = card.ID
	return card, nil
}

func (f *fakeCardAPI) UpdateCard(_ context.Context, cardID string, patch CardPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return &APIError{StatusCode: 404, Message: "card not found"}
	}
	if patch.ListID != nil {
		card.ListID = *patch.ListID
	}
	if patch.Name != nil {
		card.Name = *patch.Name
	}
	if patch.Description != nil {
		card.Description = *patch.Description
	}
	if patch.Labels != nil {
		card.Labels = *patch.Labels
	}
	return nil
}

func (f *fakeCardAPI) AddComment(_ context.Context, cardID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[cardID] = append(f.comments[cardID], text)
	return nil
}

func testMapping() *Mapping {
	return &Mapping{
		Lists: map[string]string{
			"todo":        "list-todo",
			"in_progress": "list-doing",
			"blocked":     "list-blocked",
			"done":        "list-done",
		},
		Labels: map[string]string{"go": "label-go"},
	}
}

func TestSyncerCreatesAndMovesCards(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	api := newFakeCardAPI()
	syncer := NewSyncer(api, store, task.NewMemoryQueue(4), testMapping())

	if err := store.Create(ctx, &task.Task{ID: "t1", Name: "build parser", Labels: []string{"go", "parser"}}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := syncer.handle(ctx, task.Event{TaskID: "t1", Kind: task.EventCreated}); err != nil {
		t.Fatalf("handle created: %v", err)
	}
	cardID := api.byTask["t1"]
	if cardID == "" {
		t.Fatal("expected card created for task")
	}
	if api.cards[cardID].ListID != "list-todo" {
		t.Fatalf("expected card in todo list, got %s", api.cards[cardID].ListID)
	}
	if len(api.cards[cardID].Labels) != 1 || api.cards[cardID].Labels[0] != "label-go" {
		t.Fatalf("unexpected card labels: %+v", api.cards[cardID].Labels)
	}

	if _, err := store.Assign(ctx, "dev-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := syncer.handle(ctx, task.Event{TaskID: "t1", Kind: task.EventAssigned}); err != nil {
		t.Fatalf("handle assigned: %v", err)
	}
	if api.cards[cardID].ListID != "list-doing" {
		t.Fatalf("expected card moved to doing, got %s", api.cards[cardID].ListID)
	}
	if !strings.Contains(api.cards[cardID].Description, "dev-1") {
		t.Fatalf("expected assignee in description, got %q", api.cards[cardID].Description)
	}

	if _, err := store.MarkBlocked(ctx, "t1", "dev-1", "waiting on review"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := syncer.handle(ctx, task.Event{TaskID: "t1", Kind: task.EventBlocked}); err != nil {
		t.Fatalf("handle blocked: %v", err)
	}
	if api.cards[cardID].ListID != "list-blocked" {
		t.Fatalf("expected card moved to blocked, got %s", api.cards[cardID].ListID)
	}
	comments := api.comments[cardID]
	if len(comments) != 1 || !strings.Contains(comments[0], "waiting on review") {
		t.Fatalf("unexpected comments: %+v", comments)
	}
}

func TestSyncerReusesExistingCard(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	api := newFakeCardAPI()
	syncer := NewSyncer(api, store, task.NewMemoryQueue(4), testMapping())

	if err := store.Create(ctx, &task.Task{ID: "t1", Name: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// 看板上已有对应卡片时不应重复创建。
	if _, err := api.CreateCard(ctx, CardDraft{ListID: "list-todo", Name: "one", ExternalID: "t1"}); err != nil {
		t.Fatalf("seed card: %v", err)
	}

	if err := syncer.handle(ctx, task.Event{TaskID: "t1", Kind: task.EventCreated}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(api.cards) != 1 {
		t.Fatalf("expected single card, got %d", len(api.cards))
	}
}

func TestSyncerSkipsMissingTask(t *testing.T) {
	ctx := context.Background()
	syncer := NewSyncer(newFakeCardAPI(), task.NewMemoryStore(), task.NewMemoryQueue(4), testMapping())

	// 任务不存在的事件直接确认，不触发重投。
	if err := syncer.handle(ctx, task.Event{TaskID: "gone", Kind: task.EventDone}); err != nil {
		t.Fatalf("expected nil for missing task, got %v", err)
	}
}

func TestSyncerReturnsErrorForRedelivery(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	api := newFakeCardAPI()
	api.failFind = true
	syncer := NewSyncer(api, store, task.NewMemoryQueue(4), testMapping())

	if err := store.Create(ctx, &task.Task{ID: "t1", Name: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := syncer.handle(ctx, task.Event{TaskID: "t1", Kind: task.EventCreated}); err == nil {
		t.Fatal("expected error so the queue redelivers the event")
	}
}

func TestLoadMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	content := `lists:
  todo: list-1
  in_progress: list-2
  blocked: list-3
  done: list-4
labels:
  go: label-9
fallback_list: list-1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write mapping: %v", err)
	}

	mapping, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	if mapping.ListFor(task.StatusBlocked) != "list-3" {
		t.Fatalf("unexpected blocked list: %s", mapping.ListFor(task.StatusBlocked))
	}
	if got := mapping.LabelsFor([]string{"go", "unknown"}); len(got) != 1 || got[0] != "label-9" {
		t.Fatalf("unexpected labels: %+v", got)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("lists:\n  sleeping: list-1\n"), 0o644); err != nil {
		t.Fatalf("write bad mapping: %v", err)
	}
	if _, err := LoadMapping(bad); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
