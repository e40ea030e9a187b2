package tool

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/pkg/logger"
)

const defaultTimeout = 60 * time.Second

// Observer 在每次工具执行结束后被调用，用于指标采集。
type Observer func(name string, elapsed time.Duration, failed bool)

// Registry 维护工具名到实现的映射，并负责校验与分发。
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	order     []string
	validator Validator
	gate      Gate
	timeout   time.Duration
	confirm   map[string]bool
	observer  Observer
}

// Option 定义可选配置。
type Option func(*Registry)

// WithGate 设置安全校验入口。
func WithGate(g Gate) Option {
	return func(r *Registry) {
		if g != nil {
			r.gate = g
		}
	}
}

// WithTimeout 设置单次工具调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithValidator 替换默认的参数校验器。
func WithValidator(v Validator) Option {
	return func(r *Registry) {
		if v != nil {
			r.validator = v
		}
	}
}

// WithConfirmTools 指定执行前需要确认的工具名。
func WithConfirmTools(names ...string) Option {
	return func(r *Registry) {
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				r.confirm[name] = true
			}
		}
	}
}

// WithObserver 设置执行观察者。
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry 创建空的注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:     make(map[string]Tool),
		validator: DefaultValidator{},
		gate:      openGate{},
		timeout:   defaultTimeout,
		confirm:   make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册工具，重名时返回 CONFLICT。
func (r *Registry) Register(t Tool) error {
	if t == nil || strings.TrimSpace(t.Name()) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool %q already registered", t.Name()))
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// MustRegister 注册工具，失败时 panic，用于启动阶段的内置工具。
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names 按注册顺序返回工具名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Schemas 返回允许使用的工具定义。allowed 为空表示全部，"*" 同样表示全部。
func (r *Registry) Schemas(allowed []string) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := len(allowed) == 0 || slices.Contains(allowed, "*")
	schemas := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		if !all && !slices.Contains(allowed, name) {
			continue
		}
		t := r.tools[name]
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return schemas
}

// Execute 校验并执行一次工具调用。任何失败都转为带 IsError 的结果，不会向上抛出。
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	result := r.execute(ctx, call)
	if r.observer != nil {
		r.observer(call.Name, time.Since(start), result.IsError)
	}

	attrs := []any{
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.Bool("error", result.IsError),
		slog.Duration("elapsed", time.Since(start)),
	}
	if caller, ok := CallerFrom(ctx); ok {
		attrs = append(attrs, slog.String("agent", caller.Agent), slog.String("sender", caller.Sender))
	}
	logger.Audit().Info("tool executed", attrs...)
	return result
}

func (r *Registry) execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	result := llm.ToolResult{CallID: call.ID, Name: call.Name}
	fail := func(text string) llm.ToolResult {
		result.Content = text
		result.IsError = true
		return result
	}

	t, ok := r.Get(call.Name)
	if !ok {
		return fail(fmt.Sprintf("Error: Unknown tool '%s'", call.Name))
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return fail(fmt.Sprintf("Error: invalid arguments for '%s': %v", call.Name, err))
	}
	if err := r.validator.Validate(args, t.Schema()); err != nil {
		return fail(fmt.Sprintf("Error: invalid arguments for '%s': %v", call.Name, err))
	}
	if err := r.gate.Check(ctx, call.Name, args); err != nil {
		return fail(fmt.Sprintf("Error: '%s' blocked by security policy: %v", call.Name, err))
	}
	if r.needsConfirmation(t) {
		if err := Confirm(ctx, confirmPrompt(t, args)); err != nil {
			return fail(fmt.Sprintf("Error: '%s' was not confirmed by the user", call.Name))
		}
	}

	output, err := r.run(ctx, t, args)
	if err != nil {
		return fail(fmt.Sprintf("Tool '%s' failed: %v", call.Name, err))
	}
	result.Content = output
	return result
}

func (r *Registry) needsConfirmation(t Tool) bool {
	if _, ok := t.(Confirmable); ok {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.confirm[t.Name()]
}

func confirmPrompt(t Tool, args map[string]any) string {
	if c, ok := t.(Confirmable); ok {
		return c.ConfirmPrompt(args)
	}
	raw, _ := json.Marshal(args)
	return fmt.Sprintf("run %s %s", t.Name(), raw)
}

type runOutcome struct {
	output string
	err    error
}

// run 在超时控制下执行工具；超时视为工具失败，处理函数自行感知 ctx 取消。
func (r *Registry) run(ctx context.Context, t Tool, args map[string]any) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.L().Error("tool panicked",
					slog.String("tool", t.Name()),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				done <- runOutcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := t.Execute(runCtx, args)
		done <- runOutcome{output: out, err: err}
	}()

	timedOut := func() error {
		return xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("timed out after %s", r.timeout))
	}
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res.output, timedOut()
		}
		return res.output, res.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", timedOut()
	}
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
