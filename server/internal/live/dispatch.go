package live

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sage-talk/server/internal/protocol"
)

// MessageHandler 处理一条入站消息；由 dispatchQueue 串行调用
type MessageHandler func(ctx context.Context, msg *protocol.Message)

// dispatchQueue 为单个会话提供入站消息的串行分发
// 解决问题：
// 1. 防止会话状态并发修改导致的数据竞态
// 2. 保证消息处理顺序与线序一致，音频块不会乱序入队
type dispatchQueue struct {
	queue  chan *queuedMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger

	// 统计信息
	mu        sync.Mutex
	total     int64
	processed int64
	dropped   int64
}

type queuedMessage struct {
	msg       *protocol.Message
	timestamp time.Time
}

const (
	// 队列容量：超过此值的消息将被丢弃（背压控制）
	dispatchQueueCapacity = 256
	// 单条消息处理超时
	dispatchTimeout = 10 * time.Second
)

func newDispatchQueue(handler MessageHandler, logger *log.Logger) *dispatchQueue {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &dispatchQueue{
		queue:  make(chan *queuedMessage, dispatchQueueCapacity),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	q.wg.Add(1)
	go q.processLoop(handler)
	return q
}

// enqueue 将消息加入队列（异步，非阻塞）
func (q *dispatchQueue) enqueue(msg *protocol.Message) error {
	select {
	case <-q.ctx.Done():
		return fmt.Errorf("dispatch queue closed")
	default:
	}

	select {
	case q.queue <- &queuedMessage{msg: msg, timestamp: time.Now()}:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		// 队列已满，丢弃消息（背压控制）
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Printf("[Dispatch] ⚠️  Queue full, dropping message: type=%s", msg.Type)
		return fmt.Errorf("dispatch queue full")
	}
}

// processLoop 串行处理消息（单线程）
func (q *dispatchQueue) processLoop(handler MessageHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-q.queue:
			ctx, cancel := context.WithTimeout(q.ctx, dispatchTimeout)
			handler(ctx, item.msg)
			cancel()

			q.mu.Lock()
			q.processed++
			q.mu.Unlock()
		}
	}
}

// close 停止分发并等待处理器退出
func (q *dispatchQueue) close() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	total, processed, dropped := q.total, q.processed, q.dropped
	q.mu.Unlock()
	q.logger.Printf("[Dispatch] Closed: total=%d processed=%d dropped=%d pending=%d",
		total, processed, dropped, len(q.queue))
}
