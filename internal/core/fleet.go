package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/accounts"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// FleetRunner 机队列表分页采集
// 先构建(或复用)分页索引, 再并行抓取未完成页面, 每页落盘后写进度。
// 重跑只补缺失的页面。
type FleetRunner struct {
	cfg      *Config
	progress *store.ProgressStore
	factory  fetcher.SessionFactory
	monitor  *fetcher.ResourceMonitor

	stop atomic.Bool
}

// NewFleetRunner 创建机队采集器
func NewFleetRunner(cfg *Config, progress *store.ProgressStore,
	factory fetcher.SessionFactory, monitor *fetcher.ResourceMonitor) *FleetRunner {
	return &FleetRunner{cfg: cfg, progress: progress, factory: factory, monitor: monitor}
}

// RequestStop 置停止标志, 正在处理的页面完成后退出
func (fr *FleetRunner) RequestStop() {
	if !fr.stop.Swap(true) {
		utils.Warn("⛔ 机队采集停止请求已受理, 剩余页面放弃")
	}
}

// Run 执行分页采集
func (fr *FleetRunner) Run(ctx context.Context) (models.RunStats, error) {
	stats := models.RunStats{}
	start := time.Now()

	if err := os.MkdirAll(fr.cfg.Paths.FleetDir, 0755); err != nil {
		return stats, fmt.Errorf("创建输出目录失败: %w", err)
	}

	pages, err := fr.ensureIndex(ctx)
	if err != nil {
		return stats, err
	}

	pending := fr.progress.Pending()
	if len(pending) == 0 {
		utils.Infof("✅ 机队采集无待办: 索引 %d 页全部完成", len(pages))
		return stats, nil
	}
	stats.Assigned = len(pending)

	workers := fr.cfg.Crawl.Workers
	if fr.monitor != nil {
		workers = fr.monitor.CapWorkers(workers)
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	if _, err := accounts.SeedWorkerCursors(
		fr.cfg.Paths.AccountsFile, fr.cfg.Paths.CursorFile, fr.cfg.Crawl.BaseIndex, workers); err != nil {
		return stats, err
	}

	utils.Infof("🚀 机队采集启动: 索引 %d 页, 待抓 %d 页, %d worker",
		len(pages), len(pending), workers)

	// 轮转分片
	shards := make([][]models.PageRef, workers)
	for i, ref := range pending {
		shards[i%workers] = append(shards[i%workers], ref)
	}

	var saved, errs, rotations int64
	var wg sync.WaitGroup
	for wid := 0; wid < workers; wid++ {
		wg.Add(1)
		go func(wid int, shard []models.PageRef) {
			defer wg.Done()
			r := fr.worker(ctx, wid, shard)
			atomic.AddInt64(&saved, int64(r.Saved))
			atomic.AddInt64(&errs, int64(r.Errors))
			atomic.AddInt64(&rotations, int64(r.Rotations))
		}(wid, shards[wid])
	}
	wg.Wait()

	stats.Saved = int(saved)
	stats.Errors = int(errs)
	stats.Rotations = int(rotations)
	stats.Duration = time.Since(start).Seconds()

	utils.Infof("✅ 机队采集完成: 页面=%d 错误=%d 轮换=%d 耗时=%.1fs",
		stats.Saved, stats.Errors, stats.Rotations, stats.Duration)
	return stats, nil
}

// ensureIndex 返回分页索引; 索引缺失或要求重建时登录采集一次并持久化
func (fr *FleetRunner) ensureIndex(ctx context.Context) ([]models.PageRef, error) {
	existing := fr.progress.Index()
	if len(existing) > 0 && !fr.cfg.Crawl.RebuildIndex {
		utils.Infof("复用已有分页索引: %d 页", len(existing))
		return existing, nil
	}

	pool, err := accounts.NewPool(fr.cfg.Paths.AccountsFile,
		accounts.WorkerCursorPath(fr.cfg.Paths.CursorFile, 0))
	if err != nil {
		return nil, err
	}
	session, err := fr.factory()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	loginURL := fetcher.LoginURL(fr.cfg.Site.BaseURL)
	policy := NewRotationPolicy(pool, session, fr.fleetCrawlConfig(), 0)
	if err := policy.EnsureLoggedIn(ctx, loginURL); err != nil {
		return nil, err
	}

	entry := fetcher.EntryURL(fr.cfg.Site.BaseURL)
	pages, err := session.CollectPagination(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("构建分页索引失败: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("入口页没有发现分页: %s", entry)
	}
	if err := fr.progress.SaveIndex(pages); err != nil {
		return nil, err
	}
	utils.Infof("📊 分页索引已构建: %d 页", len(pages))
	return pages, nil
}

// fleetCrawlConfig 列表页只有一张大表, 关闭瘦结果判定, 配额轮换照常
func (fr *FleetRunner) fleetCrawlConfig() models.CrawlConfig {
	cfg := fr.cfg.Crawl
	cfg.MinTables = 1
	return cfg
}

func (fr *FleetRunner) worker(ctx context.Context, wid int, shard []models.PageRef) models.RunStats {
	r := models.RunStats{}

	pool, err := accounts.NewPool(fr.cfg.Paths.AccountsFile,
		accounts.WorkerCursorPath(fr.cfg.Paths.CursorFile, wid))
	if err != nil {
		utils.Errorf("[worker %d] 账号池初始化失败: %v", wid, err)
		return r
	}
	session, err := fr.factory()
	if err != nil {
		utils.Errorf("[worker %d] 创建会话失败: %v", wid, err)
		return r
	}
	defer session.Close()

	loginURL := fetcher.LoginURL(fr.cfg.Site.BaseURL)
	policy := NewRotationPolicy(pool, session, fr.fleetCrawlConfig(), wid)
	if err := policy.EnsureLoggedIn(ctx, loginURL); err != nil {
		utils.Errorf("[worker %d] 初始登录失败: %v", wid, err)
		return r
	}

	for _, ref := range shard {
		if fr.stop.Load() {
			break
		}
		select {
		case <-ctx.Done():
			r.Rotations = policy.Rotations()
			return r
		default:
		}
		if fr.progress.IsDone(ref.PageNo) {
			continue
		}
		if err := fr.processPage(ctx, wid, policy, session, loginURL, ref); err != nil {
			utils.Errorf("[worker %d] ❌ 第%d页失败: %v", wid, ref.PageNo, err)
			r.Errors++
			continue
		}
		r.Saved++
	}
	r.Rotations = policy.Rotations()
	return r
}

func (fr *FleetRunner) processPage(ctx context.Context, wid int, policy *RotationPolicy,
	session fetcher.BrowserSession, loginURL string, ref models.PageRef) error {

	node, outcome, err := policy.FetchGuarded(ctx, session, loginURL, ref.URL)
	if err != nil {
		return err
	}
	if outcome == OutcomeStop {
		fr.RequestStop()
		return nil
	}

	var rows []models.TableRow
	if len(node.Tables) > 0 {
		rows = node.Tables[0].Rows
	}

	page := models.FleetPage{
		PageNo: ref.PageNo,
		URL:    ref.URL,
		Rows:   rows,
		TS:     float64(time.Now().UnixNano()) / 1e9,
	}
	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化页面失败: %w", err)
	}
	path := filepath.Join(fr.cfg.Paths.FleetDir, fmt.Sprintf("fleet_page_%d.json", ref.PageNo))
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return err
	}

	if err := fr.progress.MarkDone(ref.PageNo, ref.URL, len(rows)); err != nil {
		return err
	}
	utils.Infof("📥 [worker %d] 第%d页已保存: %d 行", wid, ref.PageNo, len(rows))
	return policy.NoteSaved(ctx, loginURL)
}
