package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/pkg/logger"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
	maxRetryDelay        = 8 * time.Second
)

// Retrying 为 Provider 增加有限次数的指数退避重试。
type Retrying struct {
	inner    Provider
	attempts int
	base     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetryOption 定义可选配置。
type RetryOption func(*Retrying)

// WithAttempts 设置总尝试次数（含首次）。
func WithAttempts(n int) RetryOption {
	return func(r *Retrying) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBackoff 设置首次重试前的等待时间，之后逐次翻倍。
func WithBackoff(base time.Duration) RetryOption {
	return func(r *Retrying) {
		if base >= 0 {
			r.base = base
		}
	}
}

// NewRetrying 包装一个 Provider。
func NewRetrying(inner Provider, opts ...RetryOption) *Retrying {
	r := &Retrying{
		inner:    inner,
		attempts: defaultRetryAttempts,
		base:     defaultRetryBase,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Retrying) Name() string       { return r.inner.Name() }
func (r *Retrying) ContextWindow() int { return r.inner.ContextWindow() }

// Chat 调用底层 Provider，仅对可重试错误进行重试。
func (r *Retrying) Chat(ctx context.Context, req Request) (*Response, error) {
	return r.do(ctx, func() (*Response, error) { return r.inner.Chat(ctx, req) })
}

// Stream 在底层支持时走流式接口，否则退化为 Chat。
func (r *Retrying) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	streamer, ok := r.inner.(Streamer)
	if !ok {
		return r.Chat(ctx, req)
	}
	return r.do(ctx, func() (*Response, error) { return streamer.Stream(ctx, req, onDelta) })
}

func (r *Retrying) do(ctx context.Context, call func() (*Response, error)) (*Response, error) {
	var lastErr error
	delay := r.base
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) || attempt == r.attempts {
			break
		}
		logger.L().Warn("provider call failed, retrying",
			slog.String("provider", r.inner.Name()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "retry interrupted", xerrors.WithRetryable(false))
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	if xerrors.CodeOf(lastErr) == xerrors.CodeProviderFailure {
		return nil, lastErr
	}
	return nil, xerrors.Wrap(xerrors.CodeProviderFailure, lastErr,
		fmt.Sprintf("%s call failed", r.inner.Name()), xerrors.WithRetryable(false))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
