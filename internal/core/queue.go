package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// WorkQueue 待抓条目队列
// 职责: 递归发现时在worker间传递新条目, 并发安全的Push/Pop, 按规范化URL去重
// pending通道永远不close: 关闭状态通过done通道广播, 避免Close与阻塞中的Push竞争
type WorkQueue struct {
	// 待处理条目
	pending chan models.WorkItem

	// 关闭信号, Close时关闭
	done chan struct{}

	// 已入队条目的规范化URL集合
	enqueued map[string]bool

	// 保护enqueued和closed的读写锁
	mu sync.RWMutex

	// 队列是否已关闭
	closed bool
}

// NewWorkQueue 创建队列实例
func NewWorkQueue(capacity int) *WorkQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &WorkQueue{
		pending:  make(chan models.WorkItem, capacity),
		done:     make(chan struct{}),
		enqueued: make(map[string]bool),
	}
}

// Push 条目入队
// URL先规范化再去重; 重复或无效条目返回错误
// 队列满时阻塞等待, 期间队列被关闭则返回错误而不是panic
func (q *WorkQueue) Push(item models.WorkItem) error {
	canon := utils.CanonicalURL(item.URL)
	if canon == "" {
		return fmt.Errorf("URL无效: %s", item.URL)
	}
	item.URL = canon

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("队列已关闭")
	}
	if q.enqueued[canon] {
		q.mu.Unlock()
		return fmt.Errorf("条目已入队: %s", canon)
	}
	q.enqueued[canon] = true
	q.mu.Unlock()

	select {
	case q.pending <- item:
		return nil
	case <-q.done:
		return fmt.Errorf("队列已关闭")
	}
}

// Pop 取出下一个条目, 支持context取消, 阻塞等待
// 队列关闭后先排空剩余条目, 排空后返回false
func (q *WorkQueue) Pop(ctx context.Context) (models.WorkItem, bool) {
	select {
	case <-ctx.Done():
		return models.WorkItem{}, false
	case item := <-q.pending:
		return item, true
	case <-q.done:
		select {
		case item := <-q.pending:
			return item, true
		default:
			return models.WorkItem{}, false
		}
	}
}

// PendingCount 当前待处理条目数量
func (q *WorkQueue) PendingCount() int {
	return len(q.pending)
}

// Enqueued URL是否已入队过
func (q *WorkQueue) Enqueued(rawURL string) bool {
	canon := utils.CanonicalURL(rawURL)
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.enqueued[canon]
}

// Purge 清空待处理条目(全局停止时丢弃剩余工作), 返回丢弃的数量
func (q *WorkQueue) Purge() int {
	purged := 0
	for {
		select {
		case <-q.pending:
			purged++
		default:
			return purged
		}
	}
}

// Close 关闭队列, 后续及阻塞中的Push返回错误
func (q *WorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
