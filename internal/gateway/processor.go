package gateway

import (
	"context"
	"log/slog"
	"strings"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/observability/alerting"
	"solstice-agent/internal/router"
	"solstice-agent/internal/tool"
	"solstice-agent/pkg/logger"
)

// FailureReply 是 agent 未给出任何回复时发回给用户的文本。
const FailureReply = "Something went wrong. Try again?"

// Responder 把一条入站消息交给某个 agent 处理，返回 agent 名称与回复。
type Responder interface {
	Respond(ctx context.Context, msg Message) (agent, reply string, err error)
}

// RouterResponder 通过路由规则选择 agent 并推进对应会话。
type RouterResponder struct {
	Router *router.Router
}

// Respond 实现 Responder。
func (r RouterResponder) Respond(ctx context.Context, msg Message) (string, string, error) {
	id, handle, text := r.Router.Route(string(msg.Channel), msg.SenderID, msg.Text)
	ctx = tool.WithCaller(ctx, tool.Caller{Channel: string(msg.Channel)})
	reply, err := handle.Advance(ctx, text, msg.Images)
	return id.Name, reply, err
}

// Processor 从入站队列消费消息，交给 agent 处理后把回复写入 outbox。
type Processor struct {
	responder   Responder
	consumer    Consumer
	outbox      *Outbox
	workerCount int
	alerter     alerting.Dispatcher
	observe     func(channel, direction string)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMessageObserver 设置消息计数回调。
func WithMessageObserver(fn func(channel, direction string)) ProcessorOption {
	return func(p *Processor) {
		p.observe = fn
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(responder Responder, consumer Consumer, outbox *Outbox, opts ...ProcessorOption) *Processor {
	p := &Processor{
		responder:   responder,
		consumer:    consumer,
		outbox:      outbox,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置消息消费者")
	}
	logger.Named("gateway").Info("gateway processor started", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只在处理器未初始化时返回错误。回复发布失败不会让消息重新入队，
// 否则同一轮对话会被重复执行。
func (p *Processor) handle(ctx context.Context, msg Message) error {
	if p.responder == nil || p.outbox == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	log := logger.Named("gateway")
	if err := msg.Validate(); err != nil {
		log.Warn("丢弃无效消息", slog.String("message_id", msg.ID), slog.Any("error", err))
		return nil
	}
	if p.observe != nil {
		p.observe(string(msg.Channel), string(Inbound))
	}

	agent, reply, err := p.responder.Respond(ctx, msg)
	if err != nil {
		log.Error("agent error",
			slog.String("message_id", msg.ID),
			slog.String("channel", string(msg.Channel)),
			slog.String("agent", agent),
			slog.Any("error", err),
		)
		if xerrors.ShouldAlert(err) {
			event := alerting.NewEvent(xerrors.CodeOf(err), "agent:"+agent, err)
			event.Metadata = map[string]string{"channel": string(msg.Channel), "stage": "terminal"}
			alerting.Emit(ctx, p.alerter, event)
		}
	}
	if strings.TrimSpace(reply) == "" {
		reply = FailureReply
	}

	if err := p.outbox.Publish(ctx, msg.Reply(agent, reply)); err != nil {
		log.Error("发布回复失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return nil
	}
	logger.Audit().Info("gateway message handled",
		slog.String("message_id", msg.ID),
		slog.String("channel", string(msg.Channel)),
		slog.String("sender", msg.SenderID),
		slog.String("agent", agent),
		slog.Bool("error", err != nil),
	)
	return nil
}
