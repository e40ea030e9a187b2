package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Errorf("unexpected auth header %q", got)
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "memory_recall", "arguments": "{\"query\":\"database port\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Chat(context.Background(), llm.Request{
		System:   "be brief",
		Messages: []llm.Message{llm.UserMessage("which port?")},
		Tools: []llm.ToolSchema{{
			Name:        "memory_recall",
			Description: "recall a fact",
			Parameters: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"query": {Type: "string"}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp.Message)
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "memory_recall" || string(call.Arguments) != `{"query":"database port"}` {
		t.Fatalf("unexpected tool call %+v", call)
	}
	if resp.Usage.PromptTokens != 12 {
		t.Fatalf("usage not mapped: %+v", resp.Usage)
	}

	msgs, _ := captured["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user messages, got %v", captured["messages"])
	}
	tools, _ := captured["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected one tool in request, got %v", captured["tools"])
	}
}

func TestChatClassifiesAuthErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Chat(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("401 must not be retryable")
	}
}

func TestToParamSkipsOrphanToolMessage(t *testing.T) {
	if _, ok := toParam(llm.Message{Role: llm.RoleTool, Content: "x"}); ok {
		t.Fatalf("tool message without result should be skipped")
	}
}

func TestContextWindowFromModel(t *testing.T) {
	client, err := NewClient(Config{APIKey: "k", Model: "gpt-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.ContextWindow() != 8192 {
		t.Fatalf("unexpected window %d", client.ContextWindow())
	}
}
