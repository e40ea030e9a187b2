package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"solstice-agent/internal/compaction"
	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/tool"
)

// scriptedProvider 依次返回预设的响应，耗尽后重复最后一个。
type scriptedProvider struct {
	mu        sync.Mutex
	responses []llm.Message
	err       error
	window    int
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ContextWindow() int {
	if p.window > 0 {
		return p.window
	}
	return llm.DefaultContextWindow
}

func (p *scriptedProvider) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if strings.Contains(req.System, "compress conversation history") {
		return &llm.Response{Message: llm.AssistantMessage("earlier: user talked about x")}, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return &llm.Response{Message: p.responses[idx].Clone()}, nil
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func newStore(t *testing.T) *memory.FileStore {
	t.Helper()
	store, err := memory.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestAdvanceSimpleReply(t *testing.T) {
	store := newStore(t)
	provider := &scriptedProvider{responses: []llm.Message{llm.AssistantMessage("hello alice")}}
	engine := New(provider, nil, store, Config{Agent: "default", Model: "gpt-4o", System: "be nice"})

	session := memory.NewSession("default", "alice")
	reply, updated, err := engine.Advance(context.Background(), session, "hi", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if reply != "hello alice" || len(updated.Messages) != 2 {
		t.Fatalf("unexpected reply %q with %d messages", reply, len(updated.Messages))
	}
	if len(session.Messages) != 0 {
		t.Fatalf("input session must not be mutated")
	}
	if provider.requests[0].System != "be nice" {
		t.Fatalf("system prompt not forwarded")
	}

	loaded, err := store.LoadSession(context.Background(), "default", "alice")
	if err != nil || len(loaded.Messages) != 2 {
		t.Fatalf("session not persisted: %+v err=%v", loaded, err)
	}
}

func TestToolResultsKeepRequestOrder(t *testing.T) {
	reg := tool.NewRegistry()
	var seen tool.Caller
	var seenMu sync.Mutex
	reg.MustRegister(
		tool.Func("slow", "slow tool", tool.Object(nil), func(ctx context.Context, _ map[string]any) (string, error) {
			time.Sleep(30 * time.Millisecond)
			seenMu.Lock()
			seen, _ = tool.CallerFrom(ctx)
			seenMu.Unlock()
			return "slow done", nil
		}),
		tool.Func("fast", "fast tool", tool.Object(nil), func(context.Context, map[string]any) (string, error) {
			return "fast done", nil
		}),
	)
	provider := &scriptedProvider{responses: []llm.Message{
		llm.AssistantMessage("", call("a", "slow", `{}`), call("b", "fast", `{}`), call("c", "missing", `{}`)),
		llm.AssistantMessage("all done"),
	}}
	engine := New(provider, reg, newStore(t), Config{Agent: "coder"})

	reply, s, err := engine.Advance(context.Background(), memory.NewSession("coder", "bob"), "go", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if reply != "all done" {
		t.Fatalf("unexpected reply %q", reply)
	}
	// user, assistant(calls), 3 results, final
	if len(s.Messages) != 6 {
		t.Fatalf("unexpected history length %d", len(s.Messages))
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		res := s.Messages[2+i].ToolResult
		if res == nil || res.CallID != id {
			t.Fatalf("result %d out of order: %+v", i, res)
		}
	}
	if got := s.Messages[4].Content; got != "Error: Unknown tool 'missing'" {
		t.Fatalf("unexpected unknown-tool result %q", got)
	}
	if err := llm.CheckPairing(s.Messages); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
	if seen.Agent != "coder" || seen.Sender != "bob" || seen.SessionID != s.ID {
		t.Fatalf("caller not propagated: %+v", seen)
	}
	if len(provider.requests[1].Messages) != 5 {
		t.Fatalf("second round should see tool results")
	}
}

func TestToolsOutsideAllowListAreUnknown(t *testing.T) {
	reg := tool.NewRegistry()
	called := false
	reg.MustRegister(tool.Func("shell", "run a command", tool.Object(nil), func(context.Context, map[string]any) (string, error) {
		called = true
		return "", nil
	}))
	provider := &scriptedProvider{responses: []llm.Message{
		llm.AssistantMessage("", call("1", "shell", `{}`)),
		llm.AssistantMessage("ok"),
	}}
	engine := New(provider, reg, nil, Config{Agent: "research", Tools: []string{"memory_recall"}})
	_, s, err := engine.Advance(context.Background(), memory.NewSession("research", "x"), "run ls", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if called {
		t.Fatalf("tool outside allow list executed")
	}
	if !s.Messages[2].ToolResult.IsError {
		t.Fatalf("expected error result")
	}
	if len(provider.requests[0].Tools) != 0 {
		t.Fatalf("schemas for disabled tools should not be sent")
	}
}

func TestRoundCapReturnsDegradedReply(t *testing.T) {
	reg := tool.NewRegistry()
	reg.MustRegister(tool.Func("again", "loop", tool.Object(nil), func(context.Context, map[string]any) (string, error) {
		return "try again", nil
	}))
	provider := &scriptedProvider{responses: []llm.Message{
		llm.AssistantMessage("", call("", "again", `{}`)),
	}}
	engine := New(provider, reg, newStore(t), Config{Agent: "default"})

	reply, s, err := engine.Advance(context.Background(), memory.NewSession("default", "loop"), "spin", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if reply != MaxRoundsReply {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(provider.requests) != DefaultMaxRounds {
		t.Fatalf("expected %d provider calls, got %d", DefaultMaxRounds, len(provider.requests))
	}
	if err := llm.CheckPairing(s.Messages); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
	if last := s.Messages[len(s.Messages)-1]; last.Content != MaxRoundsReply {
		t.Fatalf("degraded reply not recorded")
	}
}

func TestProviderErrorIsLabelledAndPersisted(t *testing.T) {
	store := newStore(t)
	provider := &scriptedProvider{err: xerrors.Wrap(xerrors.CodeProviderFailure, errors.New("503"), "upstream unavailable")}
	engine := New(provider, nil, store, Config{Agent: "default"})

	reply, _, err := engine.Advance(context.Background(), memory.NewSession("default", "dana"), "hi", nil)
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if reply != "[provider error] upstream unavailable: 503" {
		t.Fatalf("unexpected reply %q", reply)
	}
	loaded, _ := store.LoadSession(context.Background(), "default", "dana")
	if len(loaded.Messages) != 2 || !strings.HasPrefix(loaded.Messages[1].Content, ProviderErrorPrefix) {
		t.Fatalf("degraded reply not persisted: %+v", loaded.Messages)
	}
}

func TestCompactsBeforeAppendWhenOverBudget(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Message{llm.AssistantMessage("fine")}}
	var stats TurnStats
	engine := New(provider, nil, nil, Config{Agent: "default", Budget: 2000},
		WithCompactor(compaction.New(provider, compaction.WithKeepRecent(4))),
		WithTurnObserver(func(s TurnStats) { stats = s }),
	)

	session := memory.NewSession("default", "erin")
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("c%d", i)
		session.Messages = append(session.Messages,
			llm.UserMessage(strings.Repeat("y", 400)),
			llm.AssistantMessage("", call(id, "clock", `{}`)),
			llm.ToolMessage(llm.ToolResult{CallID: id, Name: "clock", Content: "noon"}),
			llm.AssistantMessage("it is noon"),
		)
	}

	reply, s, err := engine.Advance(context.Background(), session, "and now?", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if reply != "fine" || !stats.Compacted {
		t.Fatalf("expected compaction, reply=%q stats=%+v", reply, stats)
	}
	if !s.Messages[0].Summary {
		t.Fatalf("expected summary at head, got %+v", s.Messages[0])
	}
	if err := llm.CheckPairing(s.Messages); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
	if got := s.Messages[len(s.Messages)-2].Content; got != "and now?" {
		t.Fatalf("incoming message lost: %q", got)
	}
	if compaction.Estimate(s.Messages) >= compaction.Estimate(session.Messages) {
		t.Fatalf("history did not shrink")
	}
}

func TestStreamingUsesStreamer(t *testing.T) {
	provider := &streamingProvider{}
	engine := New(provider, nil, nil, Config{Agent: "default"})
	var deltas []string
	ctx := WithStream(context.Background(), func(d string) { deltas = append(deltas, d) })
	reply, _, err := engine.Advance(ctx, memory.NewSession("default", "f"), "hi", nil)
	if err != nil || reply != "hello" {
		t.Fatalf("unexpected reply %q err=%v", reply, err)
	}
	if strings.Join(deltas, "") != "hello" {
		t.Fatalf("unexpected deltas %v", deltas)
	}
}

type streamingProvider struct{ scriptedProvider }

func (p *streamingProvider) Stream(_ context.Context, _ llm.Request, onDelta func(string)) (*llm.Response, error) {
	onDelta("hel")
	onDelta("lo")
	return &llm.Response{Message: llm.AssistantMessage("hello")}, nil
}
