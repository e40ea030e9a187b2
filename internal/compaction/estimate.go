package compaction

import "solstice-agent/internal/llm"

const (
	charsPerToken    = 4
	tokensPerImage   = 85
	tokensPerMessage = 4
)

// EstimateMessage 粗略估算单条消息的 token 数：字符数/4，每张图片 85，每条消息额外 4。
func EstimateMessage(m llm.Message) int {
	chars := len(m.Content)
	for _, call := range m.ToolCalls {
		chars += len(call.Name) + len(call.Arguments)
	}
	if m.ToolResult != nil && m.ToolResult.Content != m.Content {
		chars += len(m.ToolResult.Content)
	}
	return chars/charsPerToken + len(m.Images)*tokensPerImage + tokensPerMessage
}

// Estimate 估算整段历史的 token 数。
func Estimate(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}
