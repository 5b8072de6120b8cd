package task

import (
	"context"
	"sync"

	xerrors "EVMQuery-Chain/internal/errors"
)

// errQueueClosed 表示队列已经关闭。
var errQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))

// MemoryQueue 使用带缓冲 channel 实现的进程内队列。
// channel 本身从不关闭：Close 先唤醒阻塞中的投递方，再通知消费者排空缓冲。
type MemoryQueue struct {
	ch        chan string
	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	sealed    chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:      make(chan string, size),
		closing: make(chan struct{}),
		sealed:  make(chan struct{}),
	}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closing:
		return errQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
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
				case <-q.sealed:
					q.drain(ctx, handler)
					return
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-q.ch:
			_ = handler(ctx, taskID)
		default:
			return
		}
	}
}

// Close 关闭内存队列，阻塞中的 Publish 返回错误，正在运行的消费者会在取完剩余任务后退出。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.sealed)
	})
	return nil
}
