package llm

import (
	"encoding/json"
	"time"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ImageRef 引用一张随消息发送的图片，URL 与 Data(base64) 二选一。
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// ToolCall 是模型发起的一次工具调用请求。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult 对应唯一一个 ToolCall 的执行结果。
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message 是会话中的一条消息。
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	Images     []ImageRef  `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	// Summary 标记由上下文压缩生成的摘要消息。
	Summary   bool      `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserMessage 构造一条用户消息。
func UserMessage(text string, images ...ImageRef) Message {
	return Message{Role: RoleUser, Content: text, Images: images, CreatedAt: time.Now().UTC()}
}

// AssistantMessage 构造一条助手消息，可携带工具调用。
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls, CreatedAt: time.Now().UTC()}
}

// ToolMessage 把工具执行结果包装为消息。
func ToolMessage(result ToolResult) Message {
	return Message{Role: RoleTool, Content: result.Content, ToolResult: &result, CreatedAt: time.Now().UTC()}
}

// HasToolCalls 判断消息是否包含工具调用。
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// IsToolResult 判断消息是否是工具结果。
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool && m.ToolResult != nil
}

// Clone 深拷贝消息，避免会话之间共享切片。
func (m Message) Clone() Message {
	out := m
	if len(m.Images) > 0 {
		out.Images = append([]ImageRef(nil), m.Images...)
	}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			call.Arguments = append(json.RawMessage(nil), call.Arguments...)
			out.ToolCalls[i] = call
		}
	}
	if m.ToolResult != nil {
		result := *m.ToolResult
		out.ToolResult = &result
	}
	return out
}

// CloneMessages 深拷贝一组消息。
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
