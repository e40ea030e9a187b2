package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions 接口所需的信息。
// BaseURL 为空时使用官方地址，也可以指向 OpenRouter 等兼容服务。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Headers map[string]string
	// ContextWindow 覆盖查表得到的上下文预算，0 表示查表。
	ContextWindow int
}

// Client 通过 openai-go SDK 调用模型。
type Client struct {
	client sdk.Client
	model  string
	window int
}

var _ llm.Provider = (*Client)(nil)
var _ llm.Streamer = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// 重试由 llm.Retrying 统一负责。
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	window := cfg.ContextWindow
	if window <= 0 {
		window = llm.ContextWindow(model)
	}

	return &Client{
		client: sdk.NewClient(opts...),
		model:  model,
		window: window,
	}, nil
}

func (c *Client) Name() string       { return "openai" }
func (c *Client) ContextWindow() int { return c.window }

// Chat 发送一次非流式请求。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromCompletion(completion)
}

// Stream 以流式方式请求，并在收到文本增量时回调 onDelta。
func (c *Client) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := sdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return fromCompletion(&acc.ChatCompletion)
}

func (c *Client) buildParams(req llm.Request) (sdk.ChatCompletionNewParams, error) {
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, sdk.SystemMessage(system))
	}
	for _, msg := range req.Messages {
		converted, ok := toParam(msg)
		if ok {
			messages = append(messages, converted)
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	for _, schema := range req.Tools {
		parameters, err := schemaToMap(schema)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        schema.Name,
				Description: sdk.String(schema.Description),
				Parameters:  sdk.FunctionParameters(parameters),
			},
		})
	}
	return params, nil
}

func toParam(msg llm.Message) (sdk.ChatCompletionMessageParamUnion, bool) {
	switch msg.Role {
	case llm.RoleSystem:
		return sdk.SystemMessage(msg.Content), true
	case llm.RoleUser:
		if len(msg.Images) == 0 {
			return sdk.UserMessage(msg.Content), true
		}
		parts := []sdk.ChatCompletionContentPartUnionParam{sdk.TextContentPart(msg.Content)}
		for _, img := range msg.Images {
			if url := imageURL(img); url != "" {
				parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{URL: url}))
			}
		}
		return sdk.UserMessage(parts), true
	case llm.RoleAssistant:
		assistant := sdk.ChatCompletionAssistantMessageParam{}
		if msg.Content != "" {
			assistant.Content.OfString = sdk.String(msg.Content)
		}
		for _, call := range msg.ToolCalls {
			args := string(call.Arguments)
			if args == "" {
				args = "{}"
			}
			assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
				ID: call.ID,
				Function: sdk.ChatCompletionMessageToolCallFunctionParam{
					Name:      call.Name,
					Arguments: args,
				},
			})
		}
		return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, true
	case llm.RoleTool:
		if msg.ToolResult == nil {
			return sdk.ChatCompletionMessageParamUnion{}, false
		}
		return sdk.ToolMessage(msg.ToolResult.Content, msg.ToolResult.CallID), true
	default:
		return sdk.ChatCompletionMessageParamUnion{}, false
	}
}

func fromCompletion(completion *sdk.ChatCompletion) (*llm.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "OpenAI 响应中没有有效的 choices")
	}
	choice := completion.Choices[0]
	calls := make([]llm.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, llm.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}
	return &llm.Response{
		Message:      llm.AssistantMessage(choice.Message.Content, calls...),
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func imageURL(img llm.ImageRef) string {
	if img.URL != "" {
		return img.URL
	}
	if img.Data == "" {
		return ""
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + img.Data
}

func schemaToMap(schema llm.ToolSchema) (map[string]any, error) {
	if schema.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	raw, err := json.Marshal(schema.Parameters)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("序列化工具 %s 的参数定义失败", schema.Name))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析工具 %s 的参数定义失败", schema.Name))
	}
	return out, nil
}

// classify 把 SDK 错误映射为统一的 ProviderError，鉴权与参数错误不可重试。
func classify(err error) error {
	var apiErr *sdk.Error
	if stdErrors.As(err, &apiErr) {
		retryable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
		return xerrors.Wrap(xerrors.CodeProviderFailure, err,
			fmt.Sprintf("OpenAI 返回错误状态 %d", apiErr.StatusCode),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", fmt.Sprint(apiErr.StatusCode)),
		)
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求已取消", xerrors.WithRetryable(false))
	}
	return xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求 OpenAI 失败")
}
