package tool

import (
	"context"
	"strings"

	xerrors "solstice-agent/internal/errors"
)

// Confirmer 是危险操作的确认端口，由调用方注入。
type Confirmer interface {
	Confirm(ctx context.Context, action string) bool
}

// ConfirmerFunc 允许用函数实现 Confirmer。
type ConfirmerFunc func(ctx context.Context, action string) bool

func (f ConfirmerFunc) Confirm(ctx context.Context, action string) bool { return f(ctx, action) }

// DenyAll 用于非交互场景（网关、定时任务），一律拒绝。
var DenyAll Confirmer = ConfirmerFunc(func(context.Context, string) bool { return false })

// AllowAll 一律放行，仅用于显式信任的环境。
var AllowAll Confirmer = ConfirmerFunc(func(context.Context, string) bool { return true })

type confirmerKey struct{}

// WithConfirmer 为当前请求设置确认端口。
func WithConfirmer(ctx context.Context, c Confirmer) context.Context {
	return context.WithValue(ctx, confirmerKey{}, c)
}

// ConfirmerFrom 返回当前请求的确认端口，未设置时为 DenyAll。
func ConfirmerFrom(ctx context.Context) Confirmer {
	if c, ok := ctx.Value(confirmerKey{}).(Confirmer); ok && c != nil {
		return c
	}
	return DenyAll
}

// Confirm 通过当前请求的确认端口询问是否执行 action。
func Confirm(ctx context.Context, action string) error {
	if ConfirmerFrom(ctx).Confirm(ctx, action) {
		return nil
	}
	return xerrors.New(xerrors.CodeConfirmationRequired, "action denied: "+strings.TrimSpace(action))
}
