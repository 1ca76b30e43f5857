package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Conductor/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	email := &recordingNotifier{channel: ChannelEmail}
	slack := &recordingNotifier{channel: ChannelSlack}
	dispatcher := NewFanout(email, slack)

	event := Event{
		Code:       "TASK_SYNC_FAILED",
		Message:    "board unreachable",
		Severity:   xerrors.SeverityWarning,
		TaskID:     "t1",
		AgentID:    "dev-1",
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(email.events) != 1 || len(slack.events) != 1 {
		t.Fatalf("expected both channels to receive the event: email=%d slack=%d", len(email.events), len(slack.events))
	}
	if email.events[0].TaskID != "t1" {
		t.Fatalf("unexpected event: %+v", email.events[0])
	}
}

func TestSlackWebhookSenderPostsJSON(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := &SlackWebhookSender{URL: server.URL}
	if err := sender.Send(context.Background(), "#alerts", "task blocked"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received["channel"] != "#alerts" || !strings.Contains(received["text"], "blocked") {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestDingTalkWebhookSenderRejectsMissingURL(t *testing.T) {
	sender := &DingTalkWebhookSender{}
	if err := sender.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for missing webhook url")
	}
}
