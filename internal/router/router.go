// Package router maps inbound messages to named agents and keeps one
// isolated conversation per (agent, sender) pair.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"solstice-agent/internal/conversation"
	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/tool"
	"solstice-agent/pkg/logger"
)

// DefaultAgent 是内置回退 agent 的名称。
const DefaultAgent = "default"

// DefaultPoolSize 是缓存的 (agent, sender) 句柄数量上限。
const DefaultPoolSize = 200

// Strategy 是路由规则的匹配方式。
type Strategy string

const (
	StrategyChannel Strategy = "channel"
	StrategySender  Strategy = "sender"
	StrategyContent Strategy = "content"
	StrategyPrefix  Strategy = "prefix"
)

// Identity 是一个命名 agent 的不可变配置。
type Identity struct {
	Name        string   `mapstructure:"name" json:"name"`
	Provider    string   `mapstructure:"provider" json:"provider,omitempty"`
	Model       string   `mapstructure:"model" json:"model,omitempty"`
	APIKey      string   `mapstructure:"api_key" json:"-"`
	BaseURL     string   `mapstructure:"base_url" json:"base_url,omitempty"`
	Temperature *float64 `mapstructure:"temperature" json:"temperature,omitempty"`
	MaxTokens   int      `mapstructure:"max_tokens" json:"max_tokens,omitempty"`
	Personality string   `mapstructure:"personality" json:"personality,omitempty"`
	Tools       []string `mapstructure:"tools" json:"tools,omitempty"`
}

// Rule 把满足条件的消息路由到指定 agent。
type Rule struct {
	Strategy Strategy `mapstructure:"strategy" json:"strategy"`
	Match    string   `mapstructure:"match" json:"match"`
	Agent    string   `mapstructure:"agent" json:"agent"`

	re *regexp.Regexp
}

func (r Rule) matches(channel, sender, content string) bool {
	switch r.Strategy {
	case StrategyChannel:
		return strings.EqualFold(r.Match, channel)
	case StrategySender:
		return r.Match == sender
	case StrategyContent:
		return r.re != nil && r.re.MatchString(content)
	case StrategyPrefix:
		return r.Match != "" && strings.HasPrefix(content, r.Match)
	}
	return false
}

// EngineFactory 根据 Identity 构造对话引擎。
type EngineFactory func(id Identity) (*conversation.Engine, error)

// Router 负责规则匹配与句柄池管理。
type Router struct {
	identities map[string]Identity
	rules      []Rule
	def        string
	fallback   Identity
	sessions   memory.SessionStore
	factory    EngineFactory

	mu      sync.Mutex
	pool    *lru.Cache[string, *Handle]
	engines map[string]*conversation.Engine
	locks   *keyedMutex
}

// Option 定义可选配置。
type Option func(*Router)

// WithDefault 设置未命中规则时使用的 agent。
func WithDefault(name string) Option {
	return func(r *Router) {
		if name = strings.TrimSpace(name); name != "" {
			r.def = name
		}
	}
}

// WithFallback 设置内置回退 agent 的 Identity（通常取自全局 provider 配置）。
func WithFallback(id Identity) Option {
	return func(r *Router) {
		id.Name = DefaultAgent
		if id.Personality == "" {
			id.Personality = DefaultAgent
		}
		r.fallback = id
	}
}

// WithPoolSize 设置句柄池大小。
func WithPoolSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			pool, err := lru.New[string, *Handle](n)
			if err == nil {
				r.pool = pool
			}
		}
	}
}

// New 创建路由器。非法的 content 正则会被记录并跳过。
func New(identities []Identity, rules []Rule, sessions memory.SessionStore, factory EngineFactory, opts ...Option) (*Router, error) {
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "engine factory is required")
	}
	pool, err := lru.New[string, *Handle](DefaultPoolSize)
	if err != nil {
		return nil, err
	}
	r := &Router{
		identities: make(map[string]Identity, len(identities)),
		def:        DefaultAgent,
		fallback:   Identity{Name: DefaultAgent, Personality: DefaultAgent},
		sessions:   sessions,
		factory:    factory,
		pool:       pool,
		engines:    make(map[string]*conversation.Engine),
		locks:      newKeyedMutex(),
	}
	for _, id := range identities {
		name := strings.TrimSpace(id.Name)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent name is required")
		}
		if _, dup := r.identities[name]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("agent %q defined twice", name))
		}
		id.Name = name
		id.Tools = append([]string(nil), id.Tools...)
		r.identities[name] = id
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for _, rule := range rules {
		switch rule.Strategy {
		case StrategyChannel, StrategySender, StrategyPrefix:
		case StrategyContent:
			re, err := regexp.Compile("(?i)" + rule.Match)
			if err != nil {
				logger.L().Warn("invalid content routing pattern",
					slog.String("pattern", rule.Match),
					slog.Any("error", err),
				)
				continue
			}
			rule.re = re
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("invalid routing strategy %q (valid: channel, sender, content, prefix)", rule.Strategy))
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

// Route 选出处理消息的 agent，返回其 Identity、对应发送者的句柄，以及可能去掉前缀后的文本。
func (r *Router) Route(channel, sender, content string) (Identity, *Handle, string) {
	name, text := r.match(channel, sender, content)
	id := r.identity(name)
	return id, r.handle(id, sender), text
}

// Lookup 按 agent 名称直接获取句柄，供定时任务等不经过规则的入口使用。
func (r *Router) Lookup(agent, sender string) (Identity, *Handle) {
	if agent == "" {
		agent = r.def
	}
	id := r.identity(agent)
	return id, r.handle(id, sender)
}

// Invoke 以指定 agent 身份执行一轮对话。
func (r *Router) Invoke(ctx context.Context, agent, sender, prompt string) (string, error) {
	_, h := r.Lookup(agent, sender)
	return h.Advance(ctx, prompt, nil)
}

// Agents 返回已配置的 agent 名称。
func (r *Router) Agents() []string {
	names := make([]string, 0, len(r.identities))
	for name := range r.identities {
		names = append(names, name)
	}
	return names
}

// Active 返回池中句柄数量。
func (r *Router) Active() int {
	return r.pool.Len()
}

func (r *Router) match(channel, sender, content string) (string, string) {
	for _, rule := range r.rules {
		if !rule.matches(channel, sender, content) {
			continue
		}
		if rule.Strategy == StrategyPrefix {
			return rule.Agent, strings.TrimSpace(content[len(rule.Match):])
		}
		return rule.Agent, content
	}
	return r.def, content
}

// identity 解析 agent 名称；未知名称视为路由失败并回退到默认 agent。
func (r *Router) identity(name string) Identity {
	if id, ok := r.identities[name]; ok {
		return id
	}
	err := xerrors.New(xerrors.CodeRoutingFailure, fmt.Sprintf("agent %q not found", name))
	logger.L().Warn("routing fell back to default agent",
		slog.String("agent", name),
		slog.Any("error", err),
	)
	if id, ok := r.identities[r.def]; ok {
		return id
	}
	if id, ok := r.identities[DefaultAgent]; ok {
		return id
	}
	return r.fallback
}

// pairKey 以 NUL 分隔 agent 与 sender，sender 中常见的 ':' 不会造成碰撞。
func pairKey(agent, sender string) string {
	return agent + "\x00" + sender
}

func (r *Router) handle(id Identity, sender string) *Handle {
	key := pairKey(id.Name, sender)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.pool.Get(key); ok {
		return h
	}
	h := &Handle{key: key, identity: id, sender: sender, router: r}
	r.pool.Add(key, h)
	return h
}

func (r *Router) engine(id Identity) (*conversation.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id.Name]; ok {
		return e, nil
	}
	e, err := r.factory(id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("build agent %q", id.Name))
	}
	r.engines[id.Name] = e
	return e, nil
}

// Handle 代表一个 (agent, sender) 会话。同一对的所有轮次串行执行；
// 句柄被 LRU 淘汰后，会话仍可从存储中恢复。
type Handle struct {
	key      string
	identity Identity
	sender   string
	router   *Router

	mu      sync.Mutex
	session *memory.Session
}

// Key 返回池与锁使用的键，agent 与 sender 以 NUL 分隔。
func (h *Handle) Key() string { return h.key }

// Identity 返回句柄所属 agent。
func (h *Handle) Identity() Identity { return h.identity }

// Advance 执行一轮对话。会话在每轮开始时从存储加载，保证句柄淘汰后重建的实例看到最新历史。
func (h *Handle) Advance(ctx context.Context, text string, images []llm.ImageRef) (string, error) {
	unlock := h.router.locks.Lock(h.key)
	defer unlock()

	engine, err := h.router.engine(h.identity)
	if err != nil {
		return "", err
	}
	session, err := h.load(ctx)
	if err != nil {
		return "", err
	}

	caller, _ := tool.CallerFrom(ctx)
	caller.Agent, caller.Sender, caller.SessionID = h.identity.Name, h.sender, session.ID
	reply, updated, err := engine.Advance(tool.WithCaller(ctx, caller), session, text, images)
	if updated != nil {
		h.mu.Lock()
		h.session = updated
		h.mu.Unlock()
	}
	return reply, err
}

func (h *Handle) load(ctx context.Context) (*memory.Session, error) {
	if h.router.sessions != nil {
		return h.router.sessions.LoadSession(ctx, h.identity.Name, h.sender)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return memory.NewSession(h.identity.Name, h.sender), nil
	}
	return h.session.Clone(), nil
}

// Session 返回最近一轮结束后的会话快照。
func (h *Handle) Session() *memory.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.Clone()
}
