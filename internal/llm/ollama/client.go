package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
)

const (
	defaultBaseURL   = "http://localhost:11434"
	defaultModelName = "llama3.1"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用本地 Ollama 服务所需的信息。
type Config struct {
	BaseURL       string
	Model         string
	Timeout       time.Duration
	ContextWindow int
}

// Client 通过 HTTP 调用 Ollama 的 /api/chat 接口。
type Client struct {
	baseURL    string
	model      string
	window     int
	httpClient *http.Client
}

var _ llm.Provider = (*Client)(nil)

// NewClient 根据配置创建 Ollama 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = llm.ContextWindow(model)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		window:     window,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string       { return "ollama" }
func (c *Client) ContextWindow() int { return c.window }

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type chatToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []chatTool     `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

// Chat 发送一次非流式请求。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建 Ollama 请求失败", xerrors.WithRetryable(false))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求 Ollama 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode >= http.StatusInternalServerError
		return nil, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("Ollama 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析 Ollama 响应失败", xerrors.WithRetryable(false))
	}
	if decoded.Error != "" {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "Ollama 错误: "+decoded.Error, xerrors.WithRetryable(false))
	}

	calls := make([]llm.ToolCall, 0, len(decoded.Message.ToolCalls))
	for _, tc := range decoded.Message.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		calls = append(calls, llm.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return &llm.Response{
		Message:      llm.AssistantMessage(decoded.Message.Content, calls...),
		FinishReason: decoded.DoneReason,
		Usage: llm.Usage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
		},
	}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}

	body := chatRequest{Model: model, Stream: false}
	if system := strings.TrimSpace(req.System); system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		body.Messages = append(body.Messages, toChatMessage(msg))
	}
	for _, schema := range req.Tools {
		var tool chatTool
		tool.Type = "function"
		tool.Function.Name = schema.Name
		tool.Function.Description = schema.Description
		if schema.Parameters != nil {
			tool.Function.Parameters = schema.Parameters
		}
		body.Tools = append(body.Tools, tool)
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.Options = map[string]any{}
		if req.Temperature != nil {
			body.Options["temperature"] = *req.Temperature
		}
		if req.MaxTokens > 0 {
			body.Options["num_predict"] = req.MaxTokens
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 Ollama 请求失败")
	}
	return encoded, nil
}

func toChatMessage(msg llm.Message) chatMessage {
	out := chatMessage{Role: string(msg.Role), Content: msg.Content}
	for _, img := range msg.Images {
		if img.Data != "" {
			out.Images = append(out.Images, img.Data)
		}
	}
	for _, call := range msg.ToolCalls {
		var tc chatToolCall
		tc.Function.Name = call.Name
		tc.Function.Arguments = call.Arguments
		if len(tc.Function.Arguments) == 0 {
			tc.Function.Arguments = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	if msg.ToolResult != nil {
		out.ToolName = msg.ToolResult.Name
	}
	return out
}
