package llm

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolSchema 描述一个可供模型调用的工具。
type ToolSchema struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Request 是一次模型调用的完整输入。
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature *float64
	MaxTokens   int
}

// Usage 记录模型返回的 token 消耗。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response 是模型返回的一轮助手消息，可能是最终回答，也可能包含工具调用。
type Response struct {
	Message      Message
	FinishReason string
	Usage        Usage
}

// Provider 定义了调用模型后端的统一接口。
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (*Response, error)
	// ContextWindow 返回当前模型的上下文预算（token）。
	ContextWindow() int
}

// Streamer 由支持增量输出的 Provider 额外实现。
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(delta string)) (*Response, error)
}

// Float 返回浮点数指针，便于设置可选参数。
func Float(v float64) *float64 {
	return &v
}
