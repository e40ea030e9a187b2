package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{out}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{OutputPaths: []string{"discard"}}) })

	Named("scheduler").Info("job fired", "job_id", "j-1234abcd")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", raw, err)
	}
	if entry["component"] != "scheduler" || entry["job_id"] != "j-1234abcd" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestAuditFallsBackToDefault(t *testing.T) {
	if err := Init(Config{OutputPaths: []string{"discard"}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() != L() {
		t.Fatalf("audit logger should reuse the default logger when disabled")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true}})
	if err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
