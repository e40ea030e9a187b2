package tool

import "context"

// Gate 是外部安全校验的入口（URL、路径、命令白名单等），注册表在分发前调用。
type Gate interface {
	Check(ctx context.Context, name string, args map[string]any) error
}

// GateFunc 允许用函数实现 Gate。
type GateFunc func(ctx context.Context, name string, args map[string]any) error

func (f GateFunc) Check(ctx context.Context, name string, args map[string]any) error {
	return f(ctx, name, args)
}

type openGate struct{}

func (openGate) Check(context.Context, string, map[string]any) error { return nil }
