package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/memory"
)

type stubProvider struct {
	reply string
	err   error
	calls int
	last  llm.Request
}

func (p *stubProvider) Name() string       { return "stub" }
func (p *stubProvider) ContextWindow() int { return llm.DefaultContextWindow }

func (p *stubProvider) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.calls++
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Message: llm.AssistantMessage(p.reply)}, nil
}

// longSession 构造 turns 轮对话，每轮包含一次工具调用。
func longSession(turns, userChars int) *memory.Session {
	s := memory.NewSession("default", "alice")
	for i := 0; i < turns; i++ {
		id := fmt.Sprintf("call-%d", i)
		s.Messages = append(s.Messages,
			llm.UserMessage(fmt.Sprintf("turn %d ", i)+strings.Repeat("x", userChars)),
			llm.AssistantMessage("", llm.ToolCall{ID: id, Name: "clock", Arguments: json.RawMessage(`{}`)}),
			llm.ToolMessage(llm.ToolResult{CallID: id, Name: "clock", Content: "noon"}),
			llm.AssistantMessage(fmt.Sprintf("answer %d", i)),
		)
	}
	return s
}

func TestEstimate(t *testing.T) {
	msg := llm.UserMessage("12345678", llm.ImageRef{URL: "http://x/y.png"})
	if got := EstimateMessage(msg); got != 2+85+4 {
		t.Fatalf("unexpected estimate %d", got)
	}
	call := llm.AssistantMessage("", llm.ToolCall{ID: "1", Name: "abcd", Arguments: json.RawMessage(`{"a":1}`)})
	if got := EstimateMessage(call); got != (4+7)/4+4 {
		t.Fatalf("tool arguments should count, got %d", got)
	}
}

func TestCompactJustOverTrigger(t *testing.T) {
	session := longSession(20, 20000)
	c := New(&stubProvider{reply: "alice asked twenty questions about x"})
	budget := 128000
	if !c.ShouldCompact(session.Messages, budget) {
		t.Fatalf("session should be over the trigger: %d", Estimate(session.Messages))
	}

	out, err := c.Compact(context.Background(), session, budget)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if Estimate(out.Messages) >= Estimate(session.Messages) {
		t.Fatalf("compaction did not shrink history")
	}
	if c.ShouldCompact(out.Messages, budget) {
		t.Fatalf("compacted session still over trigger")
	}
	first := out.Messages[0]
	if !first.Summary || first.Role != llm.RoleUser || !strings.HasPrefix(first.Content, SummaryPrefix) {
		t.Fatalf("unexpected summary message: %+v", first)
	}
	if err := llm.CheckPairing(out.Messages); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}

	orig := session.Messages[len(session.Messages)-4:]
	kept := out.Messages[len(out.Messages)-4:]
	for i := range orig {
		if orig[i].Role != kept[i].Role || orig[i].Content != kept[i].Content {
			t.Fatalf("last turn not verbatim at %d: %+v vs %+v", i, orig[i], kept[i])
		}
	}
	if len(session.Messages) != 80 {
		t.Fatalf("input session must not be mutated")
	}
	if out.Tokens != Estimate(out.Messages) {
		t.Fatalf("token estimate not refreshed")
	}
}

func TestCutNeverSplitsToolPair(t *testing.T) {
	session := longSession(5, 10)
	for keep := 1; keep <= len(session.Messages); keep++ {
		cut := cutPoint(session.Messages, keep)
		if cut > 0 && session.Messages[cut].Role == llm.RoleTool {
			t.Fatalf("keep=%d cut inside a tool pair", keep)
		}
		if cut > llm.LastTurnStart(session.Messages) {
			t.Fatalf("keep=%d cut past the last turn", keep)
		}
	}
}

func TestFallbackTrimWhenSummaryFails(t *testing.T) {
	session := longSession(20, 20000)
	provider := &stubProvider{err: xerrors.New(xerrors.CodeProviderFailure, "down")}
	c := New(provider)

	out, err := c.Compact(context.Background(), session, 128000)
	if err != nil {
		t.Fatalf("fallback should not fail: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected one summary attempt, got %d", provider.calls)
	}
	if len(out.Messages) >= len(session.Messages) || !llm.IsTurnStart(out.Messages[0]) {
		t.Fatalf("expected turn-aligned trim, got %d messages", len(out.Messages))
	}
	if err := llm.CheckPairing(out.Messages); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
	if c.ShouldCompact(out.Messages, 128000) {
		t.Fatalf("trim should land under the trigger")
	}
}

func TestPreviousSummaryIsFolded(t *testing.T) {
	session := longSession(15, 100)
	old := llm.UserMessage(SummaryPrefix + "\nuser prefers tabs")
	old.Summary = true
	session.Messages = append([]llm.Message{old}, session.Messages...)

	provider := &stubProvider{reply: "user prefers tabs; asked about x"}
	out, err := New(provider).Compact(context.Background(), session, 128000)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	prompt := provider.last.Messages[0].Content
	if !strings.Contains(prompt, "Previous summary:\nuser prefers tabs") {
		t.Fatalf("previous summary not folded into prompt: %q", prompt)
	}
	summaries := 0
	for _, m := range out.Messages {
		if m.Summary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("expected exactly one summary, got %d", summaries)
	}
}

func TestSingleTurnCannotShrink(t *testing.T) {
	session := longSession(1, 500000)
	_, err := New(nil).Compact(context.Background(), session, 1000)
	if !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("expected ErrNothingToCompact, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeCompactionFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}
