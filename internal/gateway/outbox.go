package gateway

import (
	"context"
	"strings"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/scheduler"
)

// Outbox 将出站消息发布到队列，由渠道适配器取出后实际发送。
type Outbox struct {
	producer Producer
	observe  func(channel, direction string)
}

var _ scheduler.Sender = (*Outbox)(nil)

// NewOutbox 基于任意 Producer 创建出站队列。
func NewOutbox(producer Producer) *Outbox {
	return &Outbox{producer: producer}
}

// Observe 设置消息计数回调。
func (o *Outbox) Observe(fn func(channel, direction string)) *Outbox {
	o.observe = fn
	return o
}

// Publish 发布一条出站消息，缺省的 ID 与时间戳会被补齐。
func (o *Outbox) Publish(ctx context.Context, msg Message) error {
	if o == nil || o.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "outbox is not configured")
	}
	if strings.TrimSpace(msg.RecipientID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "recipient is required")
	}
	msg.Direction = Outbound
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := o.producer.Publish(ctx, msg); err != nil {
		return err
	}
	if o.observe != nil {
		o.observe(string(msg.Channel), string(Outbound))
	}
	return nil
}

// Send 实现 scheduler.Sender，用于主动推送定时任务结果。
func (o *Outbox) Send(ctx context.Context, channel, recipient, text string) error {
	ch, err := ParseChannel(channel)
	if err != nil {
		return err
	}
	return o.Publish(ctx, Message{Channel: ch, RecipientID: recipient, Text: text})
}

// Close 关闭底层队列。
func (o *Outbox) Close() error {
	if o == nil || o.producer == nil {
		return nil
	}
	return o.producer.Close()
}
