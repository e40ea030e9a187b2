package llm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	xerrors "solstice-agent/internal/errors"
)

type flakyProvider struct {
	failures int
	calls    int
	err      error
}

func (f *flakyProvider) Name() string       { return "flaky" }
func (f *flakyProvider) ContextWindow() int { return 1000 }

func (f *flakyProvider) Chat(context.Context, Request) (*Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Response{Message: AssistantMessage("ok")}, nil
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: xerrors.New(xerrors.CodeProviderFailure, "503")}
	r := NewRetrying(inner, WithAttempts(3), WithBackoff(time.Millisecond))
	resp, err := r.Chat(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "ok" || inner.calls != 3 {
		t.Fatalf("unexpected result %+v after %d calls", resp, inner.calls)
	}
}

func TestRetryingStopsOnNonRetryable(t *testing.T) {
	inner := &flakyProvider{failures: 5, err: xerrors.New(xerrors.CodeProviderFailure, "401", xerrors.WithRetryable(false))}
	r := NewRetrying(inner, WithAttempts(3), WithBackoff(time.Millisecond))
	_, err := r.Chat(context.Background(), Request{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("non-retryable error retried %d times", inner.calls)
	}
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: xerrors.New(xerrors.CodeProviderFailure, "timeout")}
	r := NewRetrying(inner, WithAttempts(3), WithBackoff(0))
	if _, err := r.Chat(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error")
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestContextWindowLookup(t *testing.T) {
	cases := map[string]int{
		"gpt-4o":                      128000,
		"gpt-4o-2024-08-06":           128000,
		"gpt-4":                       8192,
		"gpt-4-0613":                  8192,
		"anthropic/claude-3.5-sonnet": 200000,
		"llama3.1:8b":                 128000,
		"gemini-2.5-flash":            1048576,
		"unknown-model":               DefaultContextWindow,
		"":                            DefaultContextWindow,
	}
	for model, want := range cases {
		if got := ContextWindow(model); got != want {
			t.Errorf("ContextWindow(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	orig := AssistantMessage("", ToolCall{ID: "c1", Name: "memory_recall", Arguments: json.RawMessage(`{"query":"x"}`)})
	clone := orig.Clone()
	clone.ToolCalls[0].Arguments[2] = 'Q'
	clone.ToolCalls[0].Name = "changed"
	if orig.ToolCalls[0].Name != "memory_recall" || string(orig.ToolCalls[0].Arguments) != `{"query":"x"}` {
		t.Fatalf("clone shares state with original: %+v", orig.ToolCalls[0])
	}
}
