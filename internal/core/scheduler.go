package core

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/accounts"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// Scheduler 轮转分片的worker池调度器
// 待抓条目按 i mod W 分给worker, 每个worker独占浏览器会话和账号游标。
// 全局停止标志在每个条目开始前检查, 触发后worker丢弃剩余分片退出。
type Scheduler struct {
	cfg       *Config
	crawl     models.CrawlConfig
	nodeStore *store.NodeStore
	factory   fetcher.SessionFactory
	monitor   *fetcher.ResourceMonitor

	stop atomic.Bool
}

// NewScheduler 创建调度器
func NewScheduler(cfg *Config, nodeStore *store.NodeStore, factory fetcher.SessionFactory, monitor *fetcher.ResourceMonitor) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		crawl:     cfg.Crawl,
		nodeStore: nodeStore,
		factory:   factory,
		monitor:   monitor,
	}
}

// RequestStop 置全局停止标志(信号处理或致命瘦结果策略触发)
func (s *Scheduler) RequestStop() {
	if !s.stop.Swap(true) {
		utils.Warn("⛔ 全局停止标志已置位, worker将丢弃剩余工作")
	}
}

// Stopped 停止标志是否已置位
func (s *Scheduler) Stopped() bool {
	return s.stop.Load()
}

// Run 执行守护采集: 分片→播种游标→并发worker→汇总统计
func (s *Scheduler) Run(ctx context.Context, items []models.WorkItem) (models.RunStats, error) {
	stats := models.RunStats{}
	start := time.Now()

	// 条目上限(调试用)
	if s.crawl.MaxItems > 0 && len(items) > s.crawl.MaxItems {
		utils.Infof("条目数按 --max-items 截断: %d -> %d", len(items), s.crawl.MaxItems)
		items = items[:s.crawl.MaxItems]
	}
	stats.Assigned = len(items)
	if len(items) == 0 {
		utils.Info("没有待抓取的条目")
		return stats, nil
	}

	// worker数受资源限制钳制
	workers := s.crawl.Workers
	if s.monitor != nil {
		workers = s.monitor.CapWorkers(workers)
	}
	if workers > len(items) {
		workers = len(items)
	}

	// 为每个worker播种游标(已有的绝不覆盖)
	if _, err := accounts.SeedWorkerCursors(
		s.cfg.Paths.AccountsFile, s.cfg.Paths.CursorFile, s.crawl.BaseIndex, workers); err != nil {
		return stats, err
	}

	// 轮转分片: 条目i → worker i mod W
	shards := make([][]models.WorkItem, workers)
	for i, item := range items {
		shards[i%workers] = append(shards[i%workers], item)
	}

	utils.Infof("🚀 守护采集启动: %d 条目, %d worker", len(items), workers)

	var saved, errs, skipped, rotations int64
	var wg sync.WaitGroup
	for wid := 0; wid < workers; wid++ {
		wg.Add(1)
		go func(wid int, shard []models.WorkItem) {
			defer wg.Done()
			r := s.runWorker(ctx, wid, shard)
			atomic.AddInt64(&saved, int64(r.Saved))
			atomic.AddInt64(&errs, int64(r.Errors))
			atomic.AddInt64(&skipped, int64(r.Skipped))
			atomic.AddInt64(&rotations, int64(r.Rotations))
		}(wid, shards[wid])
	}
	wg.Wait()

	stats.Saved = int(saved)
	stats.Errors = int(errs)
	stats.Skipped = int(skipped)
	stats.Rotations = int(rotations)
	stats.Duration = time.Since(start).Seconds()

	utils.Infof("✅ 守护采集完成: 分配=%d 保存=%d 错误=%d 跳过=%d 轮换=%d 耗时=%.1fs",
		stats.Assigned, stats.Saved, stats.Errors, stats.Skipped, stats.Rotations, stats.Duration)
	return stats, nil
}

// runWorker 单个worker处理自己的分片
func (s *Scheduler) runWorker(ctx context.Context, wid int, shard []models.WorkItem) models.RunStats {
	r := models.RunStats{}
	if len(shard) == 0 {
		return r
	}

	cursorPath := accounts.WorkerCursorPath(s.cfg.Paths.CursorFile, wid)
	pool, err := accounts.NewPool(s.cfg.Paths.AccountsFile, cursorPath)
	if err != nil {
		utils.Errorf("[worker %d] 账号池初始化失败: %v", wid, err)
		r.Errors = len(shard)
		return r
	}

	session, err := s.factory()
	if err != nil {
		utils.Errorf("[worker %d] 创建会话失败: %v", wid, err)
		r.Errors = len(shard)
		return r
	}
	defer session.Close()

	loginURL := fetcher.LoginURL(s.cfg.Site.BaseURL)
	policy := NewRotationPolicy(pool, session, s.crawl, wid)
	if err := policy.EnsureLoggedIn(ctx, loginURL); err != nil {
		// 降级继续: 后续抓取自然失败并逐条写错误标记, 不整体放弃分片
		utils.Warnf("[worker %d] 初始登录失败, 降级继续: %v", wid, err)
	}

	for i, item := range shard {
		// 每个条目开始前检查停止标志和context
		if s.stop.Load() || ctx.Err() != nil {
			dropped := len(shard) - i
			utils.Warnf("[worker %d] 停止标志已置位, 丢弃剩余 %d 条", wid, dropped)
			break
		}

		// 节点已存在: 断点续传跳过
		if s.nodeStore.Exists(item.URL) {
			utils.Debugf("[worker %d] 节点已存在, 跳过: %s", wid, item.URL)
			continue
		}

		if err := s.processItem(ctx, wid, policy, session, loginURL, item, &r); err != nil {
			// 单条失败只写错误标记, 不中断worker
			utils.Errorf("[worker %d] ❌ 条目失败: %s (%v)", wid, item.URL, err)
			if saveErr := s.nodeStore.SaveError(item.URL, err); saveErr != nil {
				utils.Errorf("[worker %d] 写错误标记失败: %v", wid, saveErr)
			}
			r.Errors++
		}
	}

	r.Rotations = policy.Rotations()
	return r
}

// processItem 处理单个条目: 守护抓取→按结果落盘→批次配额检查
func (s *Scheduler) processItem(ctx context.Context, wid int, policy *RotationPolicy,
	session fetcher.BrowserSession, loginURL string, item models.WorkItem, r *models.RunStats) error {

	node, outcome, err := policy.FetchGuarded(ctx, session, loginURL, item.URL)
	if err != nil {
		return err
	}

	switch outcome {
	case OutcomeSkip:
		meta := map[string]string{"tables": strconv.Itoa(node.TableCount())}
		if err := s.nodeStore.SaveSkip(item.URL, "thin_result", meta); err != nil {
			return err
		}
		utils.Warnf("[worker %d] 瘦结果已跳过: %s", wid, item.URL)
		r.Skipped++
		return nil

	case OutcomeStop:
		s.RequestStop()
		meta := map[string]string{"tables": strconv.Itoa(node.TableCount())}
		if err := s.nodeStore.SaveSkip(item.URL, "thin_result_fatal", meta); err != nil {
			return err
		}
		r.Skipped++
		return nil
	}

	node.URL = item.URL
	node.OriginYard = item.OriginYard
	if len(item.Meta) > 0 {
		node.Meta = item.Meta
	}
	if err := s.nodeStore.SaveNode(node); err != nil {
		return err
	}
	utils.Infof("📥 [worker %d] 已保存: %s (%d 表格)", wid, item.URL, node.TableCount())
	r.Saved++

	return policy.NoteSaved(ctx, loginURL)
}
