package gateway

import "context"

// Handler 处理一条来自队列的消息。
type Handler func(ctx context.Context, msg Message) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
