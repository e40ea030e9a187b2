package llm

import "strings"

// DefaultContextWindow 用于未知模型的保守预算。
const DefaultContextWindow = 128000

var contextWindows = map[string]int{
	"gpt-4o":         128000,
	"gpt-4o-mini":    128000,
	"gpt-4-turbo":    128000,
	"gpt-4":          8192,
	"gpt-3.5-turbo":  16385,
	"o1":             200000,
	"o1-mini":        128000,
	"o3":             200000,
	"o3-mini":        128000,
	"claude":         200000,
	"gemini-2.0":     1048576,
	"gemini-2.5":     1048576,
	"gemini-1.5-pro": 2097152,
	"llama3.1":       128000,
	"llama3.2":       128000,
	"mistral":        32000,
	"mixtral":        32000,
	"codellama":      16000,
	"phi3":           128000,
	"qwen2":          32000,
}

// ContextWindow 查表返回模型的上下文窗口。先精确匹配，再取最长前缀匹配，
// 带有 "vendor/" 前缀的模型名（如 OpenRouter）按最后一段匹配。
func ContextWindow(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return DefaultContextWindow
	}
	if window, ok := contextWindows[name]; ok {
		return window
	}
	best, bestLen := DefaultContextWindow, 0
	for prefix, window := range contextWindows {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			best, bestLen = window, len(prefix)
		}
	}
	return best
}
