package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"solstice-agent/internal/config"
	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/gateway"
	"solstice-agent/internal/observability/alerting"
	"solstice-agent/internal/router"
	"solstice-agent/internal/scheduler"
)

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "solstice.yaml")
	body := "provider:\n  name: ollama\n  base_url: http://127.0.0.1:1\ndata_dir: state\n" + extra
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewWiresTools(t *testing.T) {
	a, err := New(context.Background(), loadConfig(t, ""))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	names := a.Tools.Names()
	for _, want := range []string{"memory_remember", "memory_recall", "cron_add", "cron_list", "run_background"} {
		if !slices.Contains(names, want) {
			t.Fatalf("tool %s not registered: %v", want, names)
		}
	}
	if a.Inbound != nil {
		t.Fatalf("gateway should be disabled by default")
	}
	if _, err := os.Stat(a.Config.Scheduler.Delivery.ResultsDir); err != nil {
		t.Fatalf("results dir not created: %v", err)
	}
}

func TestProviderSelection(t *testing.T) {
	a, err := New(context.Background(), loadConfig(t, ""))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	p, model, err := a.Provider(router.Identity{Name: "coder", Model: "qwen2"})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if p.Name() != "ollama" || model != "qwen2" || p.ContextWindow() != 32000 {
		t.Fatalf("unexpected provider %s %s %d", p.Name(), model, p.ContextWindow())
	}

	if _, _, err := a.Provider(router.Identity{Name: "x", Provider: "bard"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid provider error, got %v", err)
	}
	if _, _, err := a.Provider(router.Identity{Name: "x", Provider: "openai"}); err == nil {
		t.Fatalf("openai without api key should fail")
	}
}

func TestJobDisabledAlerts(t *testing.T) {
	got := make(chan alerting.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var e alerting.Event
		_ = json.Unmarshal(raw, &e)
		got <- e
	}))
	defer srv.Close()

	a, err := New(context.Background(), loadConfig(t, "alerting:\n  webhook_url: "+srv.URL+"\n"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	job := scheduler.Job{ID: "j-deadbeef", Schedule: "every 1h", Failures: 3}
	a.jobDisabled(job, xerrors.New(xerrors.CodeSchedulerJobFailure, "boom"))

	e := <-got
	if e.Code != xerrors.CodeSchedulerJobFailure || e.Subject != "job:j-deadbeef" || e.Failures != 3 {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Metadata["schedule"] != "every 1h" {
		t.Fatalf("missing metadata: %+v", e.Metadata)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), loadConfig(t, "server:\n  address: 127.0.0.1:0\ngateway:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("serve: %v", err)
	}
}

type failingResponder struct{ err error }

func (f failingResponder) Respond(context.Context, gateway.Message) (string, string, error) {
	return "default", "[provider error] upstream down", f.err
}

type recordingDispatcher struct{ events []alerting.Event }

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func TestAlertingResponderOnlyAlertsTerminalFailures(t *testing.T) {
	alerts := &recordingDispatcher{}
	msg := gateway.Message{Channel: gateway.ChannelWebchat, SenderID: "alice", Text: "hi"}

	quiet := alertingResponder{Responder: failingResponder{err: xerrors.New(xerrors.CodeToolExecution, "")}, alerts: alerts}
	if _, _, err := quiet.Respond(context.Background(), msg); err == nil {
		t.Fatalf("expected error to pass through")
	}
	if len(alerts.events) != 0 {
		t.Fatalf("tool failures should not alert: %+v", alerts.events)
	}

	loud := alertingResponder{Responder: failingResponder{err: xerrors.New(xerrors.CodeProviderFailure, "")}, alerts: alerts}
	_, reply, _ := loud.Respond(context.Background(), msg)
	if reply == "" || len(alerts.events) != 1 {
		t.Fatalf("expected one alert and a degraded reply, got %d %q", len(alerts.events), reply)
	}
	if alerts.events[0].Code != xerrors.CodeProviderFailure || alerts.events[0].Subject != "agent:default" {
		t.Fatalf("unexpected event %+v", alerts.events[0])
	}
}
