package queue

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/plotter-bridge/internal/errors"
)

// Command 待发送给控制板的一条命令
type Command struct {
	Text       string    // 命令文本，不含 \r \n
	BatchID    string    // 所属批次（一次HTTP请求）
	Seq        int       // 批次内序号，从0开始
	EnqueuedAt time.Time // 入队时间
}

// CommandQueue 有序命令队列
//
// 多个生产者可以并发入队，只允许一个消费者调用 Pop。
// maxDepth 为 0 时不限制长度。
type CommandQueue struct {
	mu       sync.Mutex
	items    []Command
	head     int
	notify   chan struct{}
	maxDepth int
	closed   bool

	enqueued uint64
	dequeued uint64
}

// NewCommandQueue 创建命令队列
func NewCommandQueue(maxDepth int) *CommandQueue {
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &CommandQueue{
		notify:   make(chan struct{}, 1),
		maxDepth: maxDepth,
	}
}

// Push 入队单条命令
func (q *CommandQueue) Push(cmd Command) error {
	return q.PushBatch([]Command{cmd})
}

// PushBatch 原子地入队一批命令
//
// 同一批次的命令在队列中连续且保持顺序；超出 maxDepth 时整批拒绝。
func (q *CommandQueue) PushBatch(cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.Newf(errors.ErrQueueClosed, "batch %d", len(cmds))
	}
	depth := len(q.items) - q.head
	if q.maxDepth > 0 && depth+len(cmds) > q.maxDepth {
		q.mu.Unlock()
		return errors.Newf(errors.ErrQueueFull, "depth %d, batch %d, max %d", depth, len(cmds), q.maxDepth)
	}
	q.items = append(q.items, cmds...)
	q.enqueued += uint64(len(cmds))
	q.mu.Unlock()

	// 唤醒消费者
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop 取出队首命令，队列为空时阻塞直到有命令或 ctx 结束
//
// ctx 结束后不再出队，即使队列非空。
func (q *CommandQueue) Pop(ctx context.Context) (Command, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Command{}, err
		}
		if cmd, ok := q.tryPop(); ok {
			return cmd, nil
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Command{}, ctx.Err()
		}
	}
}

// tryPop 非阻塞取出队首命令
func (q *CommandQueue) tryPop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return Command{}, false
	}

	cmd := q.items[q.head]
	q.items[q.head] = Command{}
	q.head++
	q.dequeued++

	// 消费过半时压缩底层数组
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}

	return cmd, true
}

// Close 关闭队列，之后的入队请求返回 ErrQueueClosed
//
// 已排队的命令保留，仍可出队。
func (q *CommandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed 队列是否已关闭
func (q *CommandQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len 当前排队数量
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// MaxDepth 队列容量上限，0 表示不限制
func (q *CommandQueue) MaxDepth() int {
	return q.maxDepth
}

// Stats 队列统计
type Stats struct {
	Depth    int    `json:"depth"`
	MaxDepth int    `json:"max_depth"`
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
}

// Stats 获取队列统计
func (q *CommandQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:    len(q.items) - q.head,
		MaxDepth: q.maxDepth,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
	}
}
