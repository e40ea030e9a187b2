package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Queue     string        `mapstructure:"queue"`
	BlockWait time.Duration `mapstructure:"block_wait"`
}

// RedisQueue 使用 Redis list 实现消息队列，消息以 JSON 存储。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有连接，inbound 与 outbox 可共享同一个 client。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "solstice:inbound"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Name 返回 list 键名。
func (q *RedisQueue) Name() string { return q.queue }

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布消息失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取消息。处理失败的消息重新放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				msg, err := decode([]byte(values[1]))
				if err != nil {
					logger.L().Warn("丢弃无法解析的消息", slog.String("queue", q.queue), slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, msg); handlerErr != nil {
					_ = q.client.RPush(ctx, q.queue, values[1]).Err()
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
