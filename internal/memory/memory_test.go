package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"solstice-agent/internal/llm"
	"solstice-agent/internal/tool"
)

func TestRecallByTokenOverlap(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Remember(ctx, "", "production database is on port 5432", "production database is on port 5432"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, err := store.Remember(ctx, "", "favourite editor", "helix"); err != nil {
		t.Fatalf("remember: %v", err)
	}

	matches, err := store.Recall(ctx, "", "database port", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %+v", matches)
	}
	if !strings.Contains(matches[0].Value, "5432") {
		t.Fatalf("expected 5432 in %q", matches[0].Value)
	}
}

func TestRankPrefersExactKey(t *testing.T) {
	facts := []Fact{
		{Key: "deploy notes", Value: "deploy with make release"},
		{Key: "deploy", Value: "friday freeze"},
	}
	matches := Rank(facts, "deploy", 0)
	if len(matches) != 2 || matches[0].Key != "deploy" {
		t.Fatalf("unexpected order: %+v", matches)
	}
	if got := Rank(facts, "unrelated words", 0); len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
	if got := Rank(facts, "", 0); len(got) != 2 {
		t.Fatalf("empty query should list all, got %d", len(got))
	}
}

func TestRememberOverwritesAndForget(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	first, _ := store.Remember(ctx, "coder", "lang", "go")
	second, err := store.Remember(ctx, "coder", "lang", "rust")
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at should survive overwrite")
	}
	if _, err := store.Remember(ctx, "", "lang", "english"); err != nil {
		t.Fatalf("remember global: %v", err)
	}

	facts, _ := store.Facts(ctx, "coder")
	if len(facts) != 1 || facts[0].Value != "rust" {
		t.Fatalf("unexpected scoped facts: %+v", facts)
	}

	ok, err := store.Forget(ctx, "coder", "lang")
	if err != nil || !ok {
		t.Fatalf("forget: ok=%v err=%v", ok, err)
	}
	ok, _ = store.Forget(ctx, "coder", "lang")
	if ok {
		t.Fatalf("second forget should report missing")
	}
	global, _ := store.Facts(ctx, "")
	if len(global) != 1 {
		t.Fatalf("global fact should be untouched: %+v", global)
	}

	if _, err := os.Stat(filepath.Join(dir, notesFile)); err != nil {
		t.Fatalf("notes file missing: %v", err)
	}
	if _, err := store.Remember(ctx, "", "  ", "x"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	session, err := store.LoadSession(ctx, "default", "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(session.Messages) != 0 || session.ID != SessionID("default", "alice") {
		t.Fatalf("unexpected fresh session: %+v", session)
	}
	session.Messages = append(session.Messages, llm.UserMessage("hi"), llm.AssistantMessage("hello"))
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadSession(ctx, "default", "alice")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[1].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", loaded.Messages)
	}
	if _, err := os.Stat(filepath.Join(dir, conversationsDir, session.ID+".json")); err != nil {
		t.Fatalf("session file missing: %v", err)
	}

	infos, err := store.ListSessions(ctx)
	if err != nil || len(infos) != 1 || infos[0].Messages != 2 {
		t.Fatalf("unexpected listing %+v err=%v", infos, err)
	}
}

func TestSessionIDsAreDistinct(t *testing.T) {
	if SessionID("default", "alice") == SessionID("default", "bob") {
		t.Fatalf("different senders must not share a session")
	}
	if SessionID("a", "bc") == SessionID("ab", "c") {
		t.Fatalf("agent/sender boundary must be unambiguous")
	}
}

func TestAlignedTailKeepsToolPairs(t *testing.T) {
	call := llm.ToolCall{ID: "c1", Name: "clock", Arguments: json.RawMessage(`{}`)}
	msgs := []llm.Message{
		llm.UserMessage("one"),
		llm.AssistantMessage("", call),
		llm.ToolMessage(llm.ToolResult{CallID: "c1", Name: "clock", Content: "noon"}),
		llm.AssistantMessage("it is noon"),
		llm.UserMessage("two"),
		llm.AssistantMessage("ok"),
	}
	tail := AlignedTail(msgs, 3)
	if len(tail) != 2 || tail[0].Role != llm.RoleUser {
		t.Fatalf("expected tail to start at a user message, got %+v", tail)
	}
	tail = AlignedTail(msgs, 1)
	if tail[0].Role != llm.RoleUser {
		t.Fatalf("short tail should back up to a user message, got %+v", tail)
	}
	if got := AlignedTail(msgs, 0); len(got) != len(msgs) {
		t.Fatalf("zero limit should keep everything")
	}
}

func TestLoadTruncatesOnTurnBoundary(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithMaxLoadedMessages(3))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	session := NewSession("default", "carol")
	call := llm.ToolCall{ID: "c1", Name: "clock"}
	session.Messages = []llm.Message{
		llm.UserMessage("what time"),
		llm.AssistantMessage("", call),
		llm.ToolMessage(llm.ToolResult{CallID: "c1", Name: "clock", Content: "noon"}),
		llm.AssistantMessage("noon"),
	}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadSession(ctx, "default", "carol")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Messages) != 4 {
		t.Fatalf("a single turn must not be split, got %d messages", len(loaded.Messages))
	}
}

func TestConcurrentRemember(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.Remember(ctx, "", string(rune('a'+i)), "v")
		}(i)
	}
	wg.Wait()
	facts, _ := store.Facts(ctx, "")
	if len(facts) != 8 {
		t.Fatalf("expected 8 facts, got %d", len(facts))
	}
}

func TestMemoryTools(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	reg := tool.NewRegistry()
	if err := RegisterTools(reg, store, ScopeAgent); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := tool.WithCaller(context.Background(), tool.Caller{Agent: "coder", Sender: "alice", SessionID: "s-1"})
	exec := func(ctx context.Context, name, args string) llm.ToolResult {
		return reg.Execute(ctx, llm.ToolCall{ID: "c", Name: name, Arguments: json.RawMessage(args)})
	}

	res := exec(ctx, "memory_recall", `{}`)
	if res.Content != "No saved memories." {
		t.Fatalf("unexpected empty recall: %q", res.Content)
	}
	res = exec(ctx, "memory_remember", `{"key":"db","value":"port 5432"}`)
	if res.IsError || res.Content != "Remembered: db = port 5432" {
		t.Fatalf("unexpected remember: %+v", res)
	}
	facts, _ := store.Facts(context.Background(), "coder")
	if len(facts) != 1 || facts[0].Session != "s-1" {
		t.Fatalf("fact should be scoped to coder and tagged with the session: %+v", facts)
	}

	other := tool.WithCaller(context.Background(), tool.Caller{Agent: "research", Sender: "alice"})
	if res := exec(other, "memory_recall", `{}`); res.Content != "No saved memories." {
		t.Fatalf("agent scope leaked: %q", res.Content)
	}

	if res := exec(ctx, "memory_recall", `{"query":"db"}`); !strings.Contains(res.Content, "5432") {
		t.Fatalf("unexpected recall: %q", res.Content)
	}
	if res := exec(ctx, "memory_forget", `{"key":"db"}`); res.Content != "Forgot: db" {
		t.Fatalf("unexpected forget: %q", res.Content)
	}
	if res := exec(ctx, "memory_forget", `{"key":"db"}`); res.Content != "No memory found for 'db'." {
		t.Fatalf("unexpected second forget: %q", res.Content)
	}
	if res := exec(ctx, "memory_list_conversations", `{}`); res.Content != "No saved conversations." {
		t.Fatalf("unexpected listing: %q", res.Content)
	}
}
