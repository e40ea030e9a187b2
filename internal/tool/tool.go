package tool

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool 是一个可被模型调用的能力。
type Tool interface {
	Name() string
	Description() string
	Schema() *jsonschema.Schema
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Confirmable 由危险工具实现，执行前需要经过确认端口。
type Confirmable interface {
	ConfirmPrompt(args map[string]any) string
}

// HandlerFunc 是工具处理函数的签名。
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

type funcTool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	handler     HandlerFunc
}

// Func 将普通函数包装为 Tool。
func Func(name, description string, schema *jsonschema.Schema, handler HandlerFunc) Tool {
	return &funcTool{name: name, description: description, schema: schema, handler: handler}
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string        { return t.description }
func (t *funcTool) Schema() *jsonschema.Schema { return t.schema }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.handler(ctx, args)
}

// Object 构造 type=object 的参数定义。
func Object(properties map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if properties == nil {
		properties = map[string]*jsonschema.Schema{}
	}
	return &jsonschema.Schema{Type: "object", Properties: properties, Required: required}
}

// String 构造带描述的字符串参数。
func String(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// StringArg 读取字符串参数，缺失时返回空串。
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// Caller 标识当前工具调用所属的会话。
type Caller struct {
	Agent     string
	Sender    string
	Channel   string
	SessionID string
}

type callerKey struct{}

// WithCaller 将调用方信息写入 context。
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom 从 context 中取出调用方信息。
func CallerFrom(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}
