package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

func TestWorkQueue_PushDedup(t *testing.T) {
	q := NewWorkQueue(10)

	if err := q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=1"}); err != nil {
		t.Fatalf("首次入队失败: %v", err)
	}
	// 同一URL的规范化变体不应该再次入队
	if err := q.Push(models.WorkItem{URL: "HTTP://X:80/ship.aspx?id=1"}); err == nil {
		t.Error("规范化变体应该被去重拒绝")
	}
	if err := q.Push(models.WorkItem{URL: ""}); err == nil {
		t.Error("空URL应该被拒绝")
	}
	if q.PendingCount() != 1 {
		t.Errorf("队列中应该只有1条, 实际: %d", q.PendingCount())
	}
	if !q.Enqueued("http://x/ship.aspx?id=1") {
		t.Error("入队记录应该可查询")
	}
}

func TestWorkQueue_PopAfterClose(t *testing.T) {
	q := NewWorkQueue(10)
	if err := q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=1"}); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	q.Close()

	// 关闭后已入队的条目仍可取出
	if _, ok := q.Pop(context.Background()); !ok {
		t.Fatal("关闭后应该还能取出剩余条目")
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Error("队列排空且关闭后Pop应该返回false")
	}
	if err := q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=2"}); err == nil {
		t.Error("关闭后入队应该返回错误")
	}
}

func TestWorkQueue_PopRespectsContext(t *testing.T) {
	q := NewWorkQueue(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("context取消后Pop应该返回false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop没有响应context取消")
	}
}

func TestWorkQueue_CloseUnblocksPush(t *testing.T) {
	q := NewWorkQueue(1)
	if err := q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=1"}); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	// 队列已满, 第二次Push阻塞等待
	pushErr := make(chan error, 1)
	go func() {
		pushErr <- q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=2"})
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-pushErr:
		if err == nil {
			t.Error("关闭时阻塞中的Push应该返回错误")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("关闭队列没有唤醒阻塞中的Push")
	}

	// 已入队的条目不受影响
	if _, ok := q.Pop(context.Background()); !ok {
		t.Error("关闭后剩余条目应该仍可取出")
	}
}

func TestWorkQueue_ConcurrentPushClose(t *testing.T) {
	q := NewWorkQueue(2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=" + string(rune('a'+i))})
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait() // Push与Close竞争时不panic, 全部正常返回
}

func TestWorkQueue_Purge(t *testing.T) {
	q := NewWorkQueue(10)
	for _, u := range []string{"http://x/a", "http://x/b", "http://x/c"} {
		if err := q.Push(models.WorkItem{URL: u}); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}
	if purged := q.Purge(); purged != 3 {
		t.Errorf("应该丢弃3条, 实际: %d", purged)
	}
	if q.PendingCount() != 0 {
		t.Errorf("清空后不应该有待处理条目: %d", q.PendingCount())
	}
}

func TestWorkQueue_ConcurrentPushPop(t *testing.T) {
	q := NewWorkQueue(100)
	const total = 50

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Push(models.WorkItem{URL: "http://x/ship.aspx?id=" + string(rune('a'+i%26)) + "0"})
		}(i)
	}
	wg.Wait()

	// 并发入队后取出的条目数 = 去重后的数量
	got := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for q.PendingCount() > 0 {
		if _, ok := q.Pop(ctx); ok {
			got++
		}
	}
	if got != 26 {
		t.Errorf("去重后应该取出26条, 实际: %d", got)
	}
}
