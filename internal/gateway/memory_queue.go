package gateway

import (
	"context"
	"sync"

	xerrors "solstice-agent/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，用于单进程部署与测试。
type MemoryQueue struct {
	ch     chan Message
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Message, size)}
}

// Publish 将消息投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- msg:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的消息。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case msg, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, msg)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Receive 取出一条消息，队列为空时阻塞直到 ctx 取消。
func (q *MemoryQueue) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-q.ch:
		if !ok {
			return Message{}, xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
		}
		return msg, nil
	}
}

// Len 返回队列中待处理的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
