package core

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/accounts"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/frontier"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// SisterCrawler 姊妹船递归发现
// 种子来自已保存的订单簿节点和发现日志; worker抓取详情页后解析姊妹船表格,
// 未见过的船入队并追加到发现日志。所有worker空闲且队列为空时收敛退出。
type SisterCrawler struct {
	cfg        *Config
	nodeStore  *store.NodeStore
	discovered *frontier.DiscoveredLog
	factory    fetcher.SessionFactory
	monitor    *fetcher.ResourceMonitor

	queue *WorkQueue
	stop  atomic.Bool

	// 未完结条目数(已入队+处理中), 归零即收敛
	// 子条目在父条目完结前入队, 计数不会提前归零
	inflight int32
}

// NewSisterCrawler 创建递归发现爬取器
func NewSisterCrawler(cfg *Config, nodeStore *store.NodeStore, discovered *frontier.DiscoveredLog,
	factory fetcher.SessionFactory, monitor *fetcher.ResourceMonitor) *SisterCrawler {
	return &SisterCrawler{
		cfg:        cfg,
		nodeStore:  nodeStore,
		discovered: discovered,
		factory:    factory,
		monitor:    monitor,
		queue:      NewWorkQueue(5000),
	}
}

// RequestStop 置停止标志并清空队列
func (sc *SisterCrawler) RequestStop() {
	if !sc.stop.Swap(true) {
		purged := sc.queue.Purge()
		atomic.AddInt32(&sc.inflight, int32(-purged))
		utils.Warnf("⛔ 递归发现停止: 丢弃队列中 %d 条", purged)
	}
}

// Run 执行递归发现
func (sc *SisterCrawler) Run(ctx context.Context, seeds []models.WorkItem) (models.RunStats, error) {
	stats := models.RunStats{}
	start := time.Now()

	// 初始播种: 已完成的节点不入队
	for _, item := range seeds {
		if sc.nodeStore.Exists(item.URL) {
			continue
		}
		if err := sc.queue.Push(item); err == nil {
			atomic.AddInt32(&sc.inflight, 1)
			stats.Assigned++
		}
	}
	if stats.Assigned == 0 {
		utils.Info("没有待发现的种子条目")
		return stats, nil
	}

	workers := sc.cfg.Crawl.Workers
	if sc.monitor != nil {
		workers = sc.monitor.CapWorkers(workers)
	}

	if _, err := accounts.SeedWorkerCursors(
		sc.cfg.Paths.AccountsFile, sc.cfg.Paths.CursorFile, sc.cfg.Crawl.BaseIndex, workers); err != nil {
		return stats, err
	}

	utils.Infof("🚀 姊妹船递归发现启动: %d 种子, %d worker", stats.Assigned, workers)

	// 收敛监控: 未完结条目归零 → 关闭队列, worker随之退出
	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				sc.queue.Close()
				return
			case <-ticker.C:
				if atomic.LoadInt32(&sc.inflight) == 0 {
					utils.Debug("所有条目已完结, 关闭队列")
					sc.queue.Close()
					return
				}
			}
		}
	}()

	var saved, errs, skipped, discovered, rotations int64
	var wg sync.WaitGroup
	for wid := 0; wid < workers; wid++ {
		wg.Add(1)
		go func(wid int) {
			defer wg.Done()
			r := sc.worker(ctx, wid)
			atomic.AddInt64(&saved, int64(r.Saved))
			atomic.AddInt64(&errs, int64(r.Errors))
			atomic.AddInt64(&skipped, int64(r.Skipped))
			atomic.AddInt64(&discovered, int64(r.Discovered))
			atomic.AddInt64(&rotations, int64(r.Rotations))
		}(wid)
	}
	wg.Wait()

	stats.Saved = int(saved)
	stats.Errors = int(errs)
	stats.Skipped = int(skipped)
	stats.Discovered = int(discovered)
	stats.Rotations = int(rotations)
	stats.Duration = time.Since(start).Seconds()

	utils.Infof("✅ 递归发现完成: 保存=%d 新发现=%d 错误=%d 轮换=%d 耗时=%.1fs",
		stats.Saved, stats.Discovered, stats.Errors, stats.Rotations, stats.Duration)
	return stats, nil
}

// worker 从队列拉取条目, 抓取并递归入队新发现
func (sc *SisterCrawler) worker(ctx context.Context, wid int) models.RunStats {
	r := models.RunStats{}

	cursorPath := accounts.WorkerCursorPath(sc.cfg.Paths.CursorFile, wid)
	pool, err := accounts.NewPool(sc.cfg.Paths.AccountsFile, cursorPath)
	if err != nil {
		utils.Errorf("[worker %d] 账号池初始化失败: %v", wid, err)
		return r
	}

	session, err := sc.factory()
	if err != nil {
		utils.Errorf("[worker %d] 创建会话失败: %v", wid, err)
		return r
	}
	defer session.Close()

	loginURL := fetcher.LoginURL(sc.cfg.Site.BaseURL)
	policy := NewRotationPolicy(pool, session, sc.cfg.Crawl, wid)
	if err := policy.EnsureLoggedIn(ctx, loginURL); err != nil {
		// 降级继续: 后续抓取自然失败, 条目仍被消费以便队列收敛
		utils.Warnf("[worker %d] 初始登录失败, 降级继续: %v", wid, err)
	}

	for {
		item, ok := sc.queue.Pop(ctx)
		if !ok {
			r.Rotations = policy.Rotations()
			return r
		}

		if !sc.stop.Load() {
			if err := sc.processItem(ctx, wid, policy, session, loginURL, item, &r); err != nil {
				utils.Errorf("[worker %d] ❌ 条目失败: %s (%v)", wid, item.URL, err)
				if saveErr := sc.nodeStore.SaveError(item.URL, err); saveErr != nil {
					utils.Errorf("[worker %d] 写错误标记失败: %v", wid, saveErr)
				}
				r.Errors++
			}
		}
		atomic.AddInt32(&sc.inflight, -1)
	}
}

// processItem 抓取一艘船并递归发现其姊妹船
func (sc *SisterCrawler) processItem(ctx context.Context, wid int, policy *RotationPolicy,
	session fetcher.BrowserSession, loginURL string, item models.WorkItem, r *models.RunStats) error {

	if sc.nodeStore.Exists(item.URL) {
		return nil
	}

	node, outcome, err := policy.FetchGuarded(ctx, session, loginURL, item.URL)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeSkip:
		meta := map[string]string{"tables": strconv.Itoa(node.TableCount())}
		if err := sc.nodeStore.SaveSkip(item.URL, "thin_result", meta); err != nil {
			return err
		}
		utils.Warnf("[worker %d] 瘦结果已跳过: %s", wid, item.URL)
		r.Skipped++
	case OutcomeStop:
		sc.RequestStop()
		meta := map[string]string{"tables": strconv.Itoa(node.TableCount())}
		if err := sc.nodeStore.SaveSkip(item.URL, "thin_result_fatal", meta); err != nil {
			return err
		}
		r.Skipped++
		return nil
	}

	// 页面仍停留在该船详情页, 先解析姊妹船再轮换
	sisters, err := session.FetchSisters(ctx, item.URL)
	if err != nil {
		utils.Warnf("[worker %d] 解析姊妹船失败(忽略): %s (%v)", wid, item.URL, err)
	}

	if outcome == OutcomeSaved {
		node.URL = item.URL
		node.OriginYard = item.OriginYard
		if err := sc.nodeStore.SaveNode(node); err != nil {
			return err
		}
		utils.Infof("📥 [worker %d] 已保存: %s (%d 表格, %d 姊妹船)",
			wid, item.URL, node.TableCount(), len(sisters))
		r.Saved++
	}

	// 新发现的姊妹船: 先过发现日志去重, 再入队
	if len(sisters) > 0 {
		candidates := make([]models.WorkItem, 0, len(sisters))
		for _, sis := range sisters {
			candidates = append(candidates, models.WorkItem{URL: sis.URL, OriginYard: item.OriginYard})
		}
		fresh, err := sc.discovered.Append(candidates)
		if err != nil {
			return err
		}
		for _, f := range fresh {
			if sc.nodeStore.Exists(f.URL) {
				continue
			}
			if err := sc.queue.Push(f); err == nil {
				atomic.AddInt32(&sc.inflight, 1)
				r.Discovered++
			}
		}
	}

	if outcome == OutcomeSaved {
		return policy.NoteSaved(ctx, loginURL)
	}
	return nil
}
