// Package compaction keeps a session inside its model's context window by
// replacing old history with a model-written digest.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/memory"
	"solstice-agent/pkg/logger"
)

const (
	// DefaultThreshold 是触发压缩的预算占比。
	DefaultThreshold = 0.75
	// DefaultKeepRecent 是压缩后原样保留的最近消息数。
	DefaultKeepRecent = 10

	// SummaryPrefix 标记摘要消息的正文开头。
	SummaryPrefix = "[Conversation summary]"

	summaryMaxTokens = 1024
	transcriptLimit  = 2000
)

const summarySystemPrompt = `You compress conversation history for an assistant that will continue the conversation.
Write a concise summary of the transcript. Preserve facts, decisions, file paths, errors and user preferences.
Reply with the summary only.`

// ErrNothingToCompact 表示历史已无法在保留最后一轮的前提下继续缩小。
var ErrNothingToCompact = xerrors.New(xerrors.CodeCompactionFailure, "history cannot shrink below the last turn")

// Compactor 负责估算与压缩会话历史。
type Compactor struct {
	provider   llm.Provider
	model      string
	threshold  float64
	keepRecent int
}

// Option 定义可选配置。
type Option func(*Compactor)

// WithThreshold 设置触发阈值（0-1）。
func WithThreshold(v float64) Option {
	return func(c *Compactor) {
		if v > 0 && v < 1 {
			c.threshold = v
		}
	}
}

// WithKeepRecent 设置原样保留的最近消息数。
func WithKeepRecent(n int) Option {
	return func(c *Compactor) {
		if n > 0 {
			c.keepRecent = n
		}
	}
}

// WithModel 指定生成摘要时使用的模型。
func WithModel(model string) Option {
	return func(c *Compactor) {
		c.model = model
	}
}

// New 创建压缩器。provider 为空时只做硬截断。
func New(provider llm.Provider, opts ...Option) *Compactor {
	c := &Compactor{
		provider:   provider,
		threshold:  DefaultThreshold,
		keepRecent: DefaultKeepRecent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Limit 返回给定预算下的触发阈值（token）。
func (c *Compactor) Limit(budget int) int {
	if budget <= 0 {
		budget = llm.DefaultContextWindow
	}
	return int(float64(budget) * c.threshold)
}

// ShouldCompact 判断历史估算值是否达到阈值。
func (c *Compactor) ShouldCompact(msgs []llm.Message, budget int) bool {
	return Estimate(msgs) >= c.Limit(budget)
}

// Compact 返回一个更小的会话副本：切点之前的历史被替换为一条摘要消息，
// 最后一轮始终原样保留。摘要失败时退化为按轮次硬截断。
func (c *Compactor) Compact(ctx context.Context, session *memory.Session, budget int) (*memory.Session, error) {
	if session == nil {
		return nil, memory.ErrNilSession
	}
	before := Estimate(session.Messages)
	out := session.Clone()

	cut := cutPoint(session.Messages, c.keepRecent)
	if cut > 0 && c.provider != nil {
		summary, err := c.summarize(ctx, session.Messages[:cut])
		if err == nil {
			compacted := append([]llm.Message{summary}, llm.CloneMessages(session.Messages[cut:])...)
			if Estimate(compacted) < before {
				out.Messages = compacted
				out.Tokens = Estimate(compacted)
				c.audit(session, "summary", before, out.Tokens)
				return out, nil
			}
			err = xerrors.New(xerrors.CodeCompactionFailure, "summary did not shrink history")
		}
		logger.L().Warn("context compaction failed, trimming history",
			slog.String("session_id", session.ID),
			slog.Any("error", err),
		)
	}

	trimmed := Trim(session.Messages, c.Limit(budget))
	if len(trimmed) == len(session.Messages) {
		return session, ErrNothingToCompact
	}
	out.Messages = llm.CloneMessages(trimmed)
	out.Tokens = Estimate(out.Messages)
	c.audit(session, "trim", before, out.Tokens)
	return out, nil
}

func (c *Compactor) audit(session *memory.Session, mode string, before, after int) {
	logger.Audit().Info("compaction performed",
		slog.String("session_id", session.ID),
		slog.String("agent", session.Agent),
		slog.String("mode", mode),
		slog.Int("tokens_before", before),
		slog.Int("tokens_after", after),
	)
}

func (c *Compactor) summarize(ctx context.Context, head []llm.Message) (llm.Message, error) {
	resp, err := c.provider.Chat(ctx, llm.Request{
		Model:       c.model,
		System:      summarySystemPrompt,
		Messages:    []llm.Message{llm.UserMessage(transcript(head))},
		Temperature: llm.Float(0),
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return llm.Message{}, xerrors.Wrap(xerrors.CodeCompactionFailure, err, "summarize history")
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return llm.Message{}, xerrors.New(xerrors.CodeCompactionFailure, "empty summary")
	}
	msg := llm.UserMessage(SummaryPrefix + "\n" + text)
	msg.Summary = true
	return msg, nil
}

// transcript 把待压缩的历史渲染成纯文本，之前的摘要单独列出以便合并。
func transcript(msgs []llm.Message) string {
	var previous []string
	var b strings.Builder
	for _, m := range msgs {
		if m.Summary {
			previous = append(previous, strings.TrimSpace(strings.TrimPrefix(m.Content, SummaryPrefix)))
			continue
		}
		switch m.Role {
		case llm.RoleTool:
			name := ""
			if m.ToolResult != nil {
				name = m.ToolResult.Name
			}
			fmt.Fprintf(&b, "tool(%s): %s\n", name, clip(m.Content))
		default:
			if m.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, clip(m.Content))
			}
			if len(m.Images) > 0 {
				fmt.Fprintf(&b, "%s: [%d image(s)]\n", m.Role, len(m.Images))
			}
			for _, call := range m.ToolCalls {
				fmt.Fprintf(&b, "%s: called %s(%s)\n", m.Role, call.Name, clip(string(call.Arguments)))
			}
		}
	}

	var out strings.Builder
	if len(previous) > 0 {
		out.WriteString("Previous summary:\n")
		out.WriteString(strings.Join(previous, "\n"))
		out.WriteString("\n\n")
	}
	out.WriteString("Transcript:\n")
	out.WriteString(b.String())
	out.WriteString("\nSummarize everything above into a single updated summary.")
	return out.String()
}

func clip(s string) string {
	if len(s) <= transcriptLimit {
		return s
	}
	return s[:transcriptLimit] + "..."
}

// cutPoint 选择摘要的切点：尽量保留 keepRecent 条消息，切点落在轮次起点上，
// 且不晚于最后一轮的起点。返回 0 表示没有可压缩的部分。
func cutPoint(msgs []llm.Message, keepRecent int) int {
	last := llm.LastTurnStart(msgs)
	target := len(msgs) - keepRecent
	if last >= 0 && (target > last || target <= 0) {
		target = last
	}
	if target <= 0 {
		return 0
	}
	for i := target; i > 0; i-- {
		if llm.IsTurnStart(msgs[i]) {
			return i
		}
	}
	// 没有更早的轮次起点时，退而求其次选择不落在工具结果上的位置。
	for i := target; i > 0; i-- {
		if msgs[i].Role != llm.RoleTool {
			return i
		}
	}
	return 0
}

// Trim 从最旧的轮次开始整轮丢弃，直到估算值低于 limit 或只剩最后一轮。
// 至少丢弃一轮（若存在可丢弃的轮次）。
func Trim(msgs []llm.Message, limit int) []llm.Message {
	out := msgs
	for {
		next := -1
		for i := 1; i < len(out); i++ {
			if llm.IsTurnStart(out[i]) {
				next = i
				break
			}
		}
		if next <= 0 {
			return out
		}
		out = out[next:]
		if Estimate(out) < limit {
			return out
		}
	}
}
