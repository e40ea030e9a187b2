package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "solstice-agent/internal/errors"
)

type recordingSlack struct {
	channel string
	content string
}

func (r *recordingSlack) Send(_ context.Context, channel, content string) error {
	r.channel, r.content = channel, content
	return nil
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}}
	event := NewEvent(xerrors.CodeSchedulerJobFailure, "j-1234abcd", errors.New("provider down"))
	event.Failures = 3
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Subject != "j-1234abcd" || got.Failures != 3 || got.Message != "provider down" || auth != "Bearer t" {
		t.Fatalf("unexpected payload %+v auth=%q", got, auth)
	}
	if got.Severity != xerrors.SeverityWarning {
		t.Fatalf("severity should come from the code: %s", got.Severity)
	}
}

func TestWebhookNotifierReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{Code: xerrors.CodeProviderFailure})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	slack := &recordingSlack{}
	failing := &WebhookNotifier{URL: "http://127.0.0.1:0/unreachable"}
	d := NewFanout(&SlackNotifier{Sender: slack, ChannelID: "#ops"}, failing, nil)
	if d.Len() != 2 {
		t.Fatalf("nil notifiers should be skipped")
	}

	event := NewEvent(xerrors.CodeProviderFailure, "agent:research", xerrors.New(xerrors.CodeProviderFailure, "503"))
	event.Metadata = map[string]string{"stage": "terminal", "model": "gpt-4o"}
	err := d.Notify(context.Background(), event)
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	if slack.channel != "#ops" || !strings.HasPrefix(slack.content, "*[warning]* PROVIDER_FAILURE") {
		t.Fatalf("unexpected slack message %q", slack.content)
	}
	if !strings.Contains(slack.content, "- model: gpt-4o\n- stage: terminal") {
		t.Fatalf("metadata should be sorted: %q", slack.content)
	}
}

func TestSlackWebhookSender(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	if err := (&SlackWebhookSender{URL: srv.URL}).Send(context.Background(), "", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if payload["text"] != "hello" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["channel"]; ok {
		t.Fatalf("empty channel should be omitted")
	}
}
