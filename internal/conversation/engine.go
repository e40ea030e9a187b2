// Package conversation drives one agent turn: it sends history to the model,
// executes requested tools, feeds results back and stops on a final answer or
// when the round cap is reached.
package conversation

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"solstice-agent/internal/compaction"
	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/tool"
	"solstice-agent/pkg/logger"
)

const (
	// DefaultMaxRounds 是单轮对话中模型调用的上限。
	DefaultMaxRounds = 10
	// DefaultFanout 是同一轮内并发执行的工具数上限。
	DefaultFanout = 4

	// MaxRoundsReply 是超过轮次上限时返回给用户的降级回复。
	MaxRoundsReply = "[max tool rounds exceeded] I got stuck in a tool loop. Try rephrasing?"
	// ProviderErrorPrefix 标记模型调用失败时的降级回复。
	ProviderErrorPrefix = "[provider error] "
)

// Config 描述一个 agent 的模型调用参数。
type Config struct {
	Agent       string
	Model       string
	System      string
	Tools       []string
	Temperature *float64
	MaxTokens   int
	MaxRounds   int
	// Budget 是上下文窗口大小，0 表示取 Provider 的 ContextWindow。
	Budget int
	Fanout int
}

// TurnStats 汇总一次 Advance 的执行情况。
type TurnStats struct {
	Agent     string
	Rounds    int
	ToolCalls int
	Elapsed   time.Duration
	Degraded  bool
	Compacted bool
	Err       error
}

// Engine 执行有界的工具调用循环。
type Engine struct {
	provider  llm.Provider
	tools     *tool.Registry
	sessions  memory.SessionStore
	compactor *compaction.Compactor
	cfg       Config
	observer  func(TurnStats)
}

// Option 定义可选配置。
type Option func(*Engine)

// WithCompactor 替换默认压缩器。
func WithCompactor(c *compaction.Compactor) Option {
	return func(e *Engine) {
		if c != nil {
			e.compactor = c
		}
	}
}

// WithTurnObserver 设置每轮结束后的回调，用于指标采集。
func WithTurnObserver(fn func(TurnStats)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// New 创建对话引擎。
func New(provider llm.Provider, tools *tool.Registry, sessions memory.SessionStore, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if tools == nil {
		tools = tool.NewRegistry()
	}
	e := &Engine{
		provider: provider,
		tools:    tools,
		sessions: sessions,
		cfg:      cfg,
	}
	e.compactor = compaction.New(provider, compaction.WithModel(cfg.Model))
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Agent 返回引擎所属的 agent 名称。
func (e *Engine) Agent() string { return e.cfg.Agent }

func (e *Engine) budget() int {
	if e.cfg.Budget > 0 {
		return e.cfg.Budget
	}
	if e.provider != nil {
		if w := e.provider.ContextWindow(); w > 0 {
			return w
		}
	}
	return llm.ContextWindow(e.cfg.Model)
}

// Advance 处理一条用户消息并返回最终回复与更新后的会话。
// 模型调用失败时仍返回带标签的降级回复，同时返回错误；会话在两种情况下都会持久化。
func (e *Engine) Advance(ctx context.Context, session *memory.Session, text string, images []llm.ImageRef) (string, *memory.Session, error) {
	if session == nil {
		return "", nil, memory.ErrNilSession
	}
	start := time.Now()
	stats := TurnStats{Agent: e.cfg.Agent}
	defer func() {
		stats.Elapsed = time.Since(start)
		if e.observer != nil {
			e.observer(stats)
		}
	}()

	s := session.Clone()
	s.Messages = llm.RepairPairing(s.Messages)
	budget := e.budget()

	user := llm.UserMessage(text, images...)
	if e.compactor.ShouldCompact(append(slices.Clip(s.Messages), user), budget) {
		s = e.compact(ctx, s, budget, &stats)
	}
	s.Messages = append(s.Messages, user)
	ctx = e.withCaller(ctx, s)

	for round := 0; round < e.cfg.MaxRounds; round++ {
		if round > 0 && e.compactor.ShouldCompact(s.Messages, budget) {
			s = e.compact(ctx, s, budget, &stats)
		}
		stats.Rounds++

		resp, err := e.chat(ctx, s.Messages)
		if err != nil {
			stats.Err = err
			stats.Degraded = true
			reply := ProviderErrorPrefix + describe(err)
			s.Messages = append(s.Messages, llm.AssistantMessage(reply))
			if perr := e.persist(ctx, s); perr != nil {
				logger.L().Error("persist session failed", slog.String("session_id", s.ID), slog.Any("error", perr))
			}
			logger.L().Warn("provider call failed",
				slog.String("agent", e.cfg.Agent),
				slog.String("session_id", s.ID),
				slog.Any("error", err),
			)
			return reply, s, err
		}

		msg := normalize(resp.Message)
		s.Messages = append(s.Messages, msg)
		if !msg.HasToolCalls() {
			stats.Err = e.persist(ctx, s)
			e.auditTurn(s, stats)
			return msg.Content, s, stats.Err
		}

		stats.ToolCalls += len(msg.ToolCalls)
		for _, result := range e.runTools(ctx, msg.ToolCalls) {
			s.Messages = append(s.Messages, llm.ToolMessage(result))
		}
	}

	stats.Degraded = true
	logger.L().Warn("tool round cap reached",
		slog.String("agent", e.cfg.Agent),
		slog.String("session_id", s.ID),
		slog.Int("rounds", e.cfg.MaxRounds),
	)
	s.Messages = append(s.Messages, llm.AssistantMessage(MaxRoundsReply))
	stats.Err = e.persist(ctx, s)
	e.auditTurn(s, stats)
	return MaxRoundsReply, s, stats.Err
}

func (e *Engine) withCaller(ctx context.Context, s *memory.Session) context.Context {
	caller, _ := tool.CallerFrom(ctx)
	caller.Agent = s.Agent
	caller.Sender = s.Sender
	caller.SessionID = s.ID
	return tool.WithCaller(ctx, caller)
}

func (e *Engine) compact(ctx context.Context, s *memory.Session, budget int, stats *TurnStats) *memory.Session {
	out, err := e.compactor.Compact(ctx, s, budget)
	if err != nil {
		logger.L().Warn("context compaction skipped",
			slog.String("session_id", s.ID),
			slog.Any("error", err),
		)
		return s
	}
	stats.Compacted = true
	return out
}

func (e *Engine) chat(ctx context.Context, history []llm.Message) (*llm.Response, error) {
	if e.provider == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "no model provider configured")
	}
	req := llm.Request{
		Model:       e.cfg.Model,
		System:      e.cfg.System,
		Messages:    history,
		Tools:       e.tools.Schemas(e.cfg.Tools),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
	if onDelta := streamFrom(ctx); onDelta != nil {
		if streamer, ok := e.provider.(llm.Streamer); ok {
			return streamer.Stream(ctx, req, onDelta)
		}
	}
	return e.provider.Chat(ctx, req)
}

// runTools 并发执行同一轮的工具调用，结果按请求顺序返回。
func (e *Engine) runTools(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	var g errgroup.Group
	g.SetLimit(e.cfg.Fanout)
	for i, call := range calls {
		g.Go(func() error {
			if !e.enabled(call.Name) {
				results[i] = llm.ToolResult{
					CallID:  call.ID,
					Name:    call.Name,
					Content: "Error: Unknown tool '" + call.Name + "'",
					IsError: true,
				}
				return nil
			}
			results[i] = e.tools.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) enabled(name string) bool {
	return len(e.cfg.Tools) == 0 || slices.Contains(e.cfg.Tools, "*") || slices.Contains(e.cfg.Tools, name)
}

func (e *Engine) persist(ctx context.Context, s *memory.Session) error {
	s.Tokens = compaction.Estimate(s.Messages)
	if e.sessions == nil {
		return nil
	}
	return e.sessions.SaveSession(context.WithoutCancel(ctx), s)
}

func (e *Engine) auditTurn(s *memory.Session, stats TurnStats) {
	logger.Audit().Info("turn completed",
		slog.String("agent", s.Agent),
		slog.String("sender", s.Sender),
		slog.String("session_id", s.ID),
		slog.Int("rounds", stats.Rounds),
		slog.Int("tool_calls", stats.ToolCalls),
		slog.Int("tokens", s.Tokens),
		slog.Bool("degraded", stats.Degraded),
	)
}

// normalize 保证助手消息角色正确，且每个工具调用都有唯一 ID。
func normalize(msg llm.Message) llm.Message {
	msg.Role = llm.RoleAssistant
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	seen := make(map[string]bool, len(msg.ToolCalls))
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" || seen[msg.ToolCalls[i].ID] {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		seen[msg.ToolCalls[i].ID] = true
	}
	return msg
}

func describe(err error) string {
	if e, ok := xerrors.From(err); ok {
		if cause := e.Unwrap(); cause != nil {
			return e.Message() + ": " + cause.Error()
		}
		return e.Message()
	}
	return err.Error()
}

type streamKey struct{}

// WithStream 让本次 Advance 在 Provider 支持时以流式方式输出增量文本。
func WithStream(ctx context.Context, onDelta func(delta string)) context.Context {
	return context.WithValue(ctx, streamKey{}, onDelta)
}

func streamFrom(ctx context.Context) func(string) {
	fn, _ := ctx.Value(streamKey{}).(func(string))
	return fn
}
