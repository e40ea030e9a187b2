package gateway

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Queue      string `mapstructure:"queue"`
	Prefetch   int    `mapstructure:"prefetch"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
}

// RabbitMQQueue 使用 RabbitMQ 实现消息队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "solstice.inbound"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将消息投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg Message) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Direction),
		DeliveryMode: amqp.Persistent,
		Body:         data,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布消息失败")
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。处理失败的消息重新入队一次，
// 已重投过的消息失败后直接丢弃。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					msg, err := decode(d.Body)
					if err != nil {
						logger.L().Warn("丢弃无法解析的消息", slog.String("queue", q.queue), slog.Any("error", err))
						_ = d.Nack(false, false)
						continue
					}
					if err := handler(ctx, msg); err != nil {
						_ = d.Nack(false, !d.Redelivered)
						continue
					}
					_ = d.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
