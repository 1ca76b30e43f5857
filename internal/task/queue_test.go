package task

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDeliversEvents(t *testing.T) {
	queue := NewMemoryQueue(8)
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := make(map[string]EventKind)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 2, func(_ context.Context, event Event) error {
			mu.Lock()
			received[event.TaskID] = event.Kind
			mu.Unlock()
			return nil
		})
	}()

	events := []Event{
		{TaskID: "t1", Kind: EventCreated},
		{TaskID: "t2", Kind: EventAssigned},
		{TaskID: "t3", Kind: EventDone},
	}
	for _, event := range events {
		if err := queue.Publish(ctx, event); err != nil {
			t.Fatalf("publish %s: %v", event.TaskID, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count == len(events) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d events, got %d", len(events), count)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if received["t2"] != EventAssigned {
		t.Fatalf("unexpected kind for t2: %s", received["t2"])
	}
}

func TestEventCodecRejectsBadPayloads(t *testing.T) {
	if _, err := EncodeEvent(Event{Kind: EventCreated}); err == nil {
		t.Fatal("expected error for event without task ID")
	}
	if _, err := DecodeEvent("not json"); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := DecodeEvent(`{"kind":"created"}`); err == nil {
		t.Fatal("expected error for payload without task ID")
	}

	payload, err := EncodeEvent(Event{TaskID: "t1", Kind: EventBlocked})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.TaskID != "t1" || event.Kind != EventBlocked {
		t.Fatalf("unexpected event: %+v", event)
	}
}
