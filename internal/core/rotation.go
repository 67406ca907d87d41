package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/accounts"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// SessionState 会话状态机的状态
type SessionState string

const (
	StateLoggedOut SessionState = "logged_out"
	StateLoggingIn SessionState = "logging_in"
	StateActive    SessionState = "active"
	StateRotating  SessionState = "rotating"
	StateStopped   SessionState = "stopped"
)

// Outcome 守护抓取的结果分类
type Outcome int

const (
	OutcomeSaved Outcome = iota // 结果可保存
	OutcomeSkip                 // 瘦结果, 写跳过标记
	OutcomeStop                 // 置全局停止标志
)

// ErrStopRequested 全局停止已触发
var ErrStopRequested = errors.New("已请求全局停止")

// RotationPolicy 单个worker的账号轮换策略
// 管理登录生命周期: 配额横幅/瘦结果/批次配额三类触发, 轮换后游标已持久化
type RotationPolicy struct {
	pool    *accounts.Pool
	session fetcher.Session
	cfg     models.CrawlConfig
	wid     int

	state      SessionState
	firstLogin bool
	processed  int // 本账号已保存条目数
	rotations  int
}

// NewRotationPolicy 创建轮换策略
func NewRotationPolicy(pool *accounts.Pool, session fetcher.Session, cfg models.CrawlConfig, wid int) *RotationPolicy {
	return &RotationPolicy{
		pool:       pool,
		session:    session,
		cfg:        cfg,
		wid:        wid,
		state:      StateLoggedOut,
		firstLogin: true,
	}
}

// State 当前状态
func (r *RotationPolicy) State() SessionState {
	return r.state
}

// Rotations 累计轮换次数
func (r *RotationPolicy) Rotations() int {
	return r.rotations
}

// EnsureLoggedIn 保证会话处于已登录状态
// 自动模式: 登录失败时前移游标一次并重试, 仍失败返回错误
// 人工模式: 打开登录页后倒计时等待操作者完成登录
func (r *RotationPolicy) EnsureLoggedIn(ctx context.Context, loginURL string) error {
	if r.state == StateActive {
		return nil
	}
	r.state = StateLoggingIn

	if r.cfg.ManualLogin {
		return r.manualLogin(ctx, loginURL)
	}

	acc := r.pool.Current()
	err := r.session.Login(ctx, acc)
	if err == nil {
		r.state = StateActive
		r.processed = 0
		return nil
	}
	if !errors.Is(err, fetcher.ErrLoginFailed) {
		return err
	}

	// 登录失败: 前移一位换下一个账号重试一次
	utils.Warnf("[worker %d] 账号 %s 登录失败, 前移游标重试", r.wid, acc.Email)
	next, advErr := r.pool.Advance()
	if advErr != nil {
		return advErr
	}
	if err := r.session.Login(ctx, next); err != nil {
		r.state = StateLoggedOut
		return fmt.Errorf("连续两个账号登录失败: %w", err)
	}
	r.state = StateActive
	r.processed = 0
	return nil
}

// manualLogin 人工登录: 打开登录页并倒计时等待
func (r *RotationPolicy) manualLogin(ctx context.Context, loginURL string) error {
	if err := r.session.Open(ctx, loginURL); err != nil {
		return err
	}

	wait := r.cfg.ReloginWait
	if r.firstLogin {
		wait = r.cfg.FirstLoginWait
	}
	r.firstLogin = false

	utils.Infof("🔑 [worker %d] 请在浏览器中完成登录, 等待 %d 秒...", r.wid, wait)
	deadline := time.Now().Add(time.Duration(wait) * time.Second)
	for remaining := wait; remaining > 0; remaining = int(time.Until(deadline).Seconds()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
		if ok, _ := r.session.LoggedIn(ctx); ok {
			break
		}
	}

	if ok, err := r.session.LoggedIn(ctx); err != nil {
		return err
	} else if !ok {
		utils.Warnf("[worker %d] 等待结束仍未检测到登录状态, 继续尝试", r.wid)
	}
	r.state = StateActive
	r.processed = 0
	return nil
}

// Rotate 轮换到下一个账号: 登出(尽力而为)→前移游标→重新登录
func (r *RotationPolicy) Rotate(ctx context.Context, loginURL, reason string) error {
	r.state = StateRotating
	r.rotations++
	utils.Infof("🔄 [worker %d] 轮换账号 (原因: %s), 游标 %d -> %d",
		r.wid, reason, r.pool.Index(), (r.pool.Index()+1)%r.pool.Size())

	if err := r.session.Logout(ctx); err != nil {
		utils.Warnf("[worker %d] 登出失败(忽略): %v", r.wid, err)
	}
	if _, err := r.pool.Advance(); err != nil {
		return err
	}

	r.state = StateLoggedOut
	return r.EnsureLoggedIn(ctx, loginURL)
}

// FetchGuarded 守护抓取一个URL
// 配额横幅 → 轮换后重抓同一URL; 瘦结果 → 重试耗尽后按策略处理;
// 返回的Outcome指示调用方保存/跳过/停止
func (r *RotationPolicy) FetchGuarded(ctx context.Context, f fetcher.Fetcher, loginURL, url string) (*models.ResultNode, Outcome, error) {
	// 轮换重抓的上限: 把整个池走一遍还在限额, 说明所有账号都耗尽了
	maxRotations := r.pool.Size() + 1

	for attempt := 0; attempt < maxRotations; attempt++ {
		node, thin, err := r.fetchWithThinRetry(ctx, f, url)
		if err != nil {
			return nil, OutcomeSaved, err
		}

		if thin == thinQuota {
			// 配额横幅: 轮换后重抓同一URL
			if err := r.Rotate(ctx, loginURL, "配额横幅"); err != nil {
				return nil, OutcomeSaved, err
			}
			continue
		}

		if thin == thinResult {
			switch r.cfg.ThinPolicy {
			case models.ThinRotate:
				// 轮换后再抓一次, 接受下次结果
				if err := r.Rotate(ctx, loginURL, "瘦结果"); err != nil {
					return nil, OutcomeSaved, err
				}
				retry, err := f.Fetch(ctx, url)
				if err != nil {
					return nil, OutcomeSaved, err
				}
				return retry.Node, OutcomeSaved, nil
			case models.ThinSkip:
				return node, OutcomeSkip, nil
			case models.ThinStop:
				return node, OutcomeStop, nil
			}
		}

		return node, OutcomeSaved, nil
	}

	return nil, OutcomeSaved, fmt.Errorf("所有账号均受配额限制: %s", url)
}

// thinKind 抓取结果的瘦结果分类
type thinKind int

const (
	thinNone   thinKind = iota // 结果完整
	thinResult                 // 表格数不足且重试耗尽
	thinQuota                  // 页面出现配额横幅
)

// fetchWithThinRetry 抓取并对瘦结果做原地重试
func (r *RotationPolicy) fetchWithThinRetry(ctx context.Context, f fetcher.Fetcher, url string) (*models.ResultNode, thinKind, error) {
	var node *models.ResultNode

	for attempt := 0; attempt <= r.cfg.ThinRetries; attempt++ {
		if attempt > 0 {
			utils.Debugf("[worker %d] 瘦结果重试 %d/%d: %s", r.wid, attempt, r.cfg.ThinRetries, url)
			select {
			case <-ctx.Done():
				return nil, thinNone, ctx.Err()
			case <-time.After(time.Duration(r.cfg.RetryDelay * float64(time.Second))):
			}
		}

		res, err := f.Fetch(ctx, url)
		if err != nil {
			return nil, thinNone, err
		}
		if res.QuotaBanner {
			return nil, thinQuota, nil
		}
		node = res.Node
		if node.TableCount() >= r.cfg.MinTables {
			return node, thinNone, nil
		}
	}

	utils.Warnf("[worker %d] 重试耗尽仍是瘦结果 (%d < %d 表格): %s",
		r.wid, node.TableCount(), r.cfg.MinTables, url)
	return node, thinResult, nil
}

// NoteSaved 记录一次成功保存; 达到批次阈值时主动轮换
func (r *RotationPolicy) NoteSaved(ctx context.Context, loginURL string) error {
	r.processed++
	if r.processed >= r.cfg.BatchEvery {
		utils.Infof("📊 [worker %d] 本账号已保存 %d 条, 主动轮换", r.wid, r.processed)
		return r.Rotate(ctx, loginURL, "批次配额")
	}
	return nil
}
