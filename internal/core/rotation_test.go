package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/accounts"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

// stubSession 记录登录生命周期调用的会话替身
type stubSession struct {
	mu         sync.Mutex
	logins     []string // 按顺序记录登录的账号邮箱
	logouts    int
	opens      []string
	failEmails map[string]bool // 这些账号登录时返回登录失败
	loggedIn   bool
}

func (s *stubSession) Login(ctx context.Context, acc models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEmails[acc.Email] {
		return fetcher.ErrLoginFailed
	}
	s.logins = append(s.logins, acc.Email)
	s.loggedIn = true
	return nil
}

func (s *stubSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	s.loggedIn = false
	return nil
}

func (s *stubSession) LoggedIn(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn, nil
}

func (s *stubSession) Open(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, url)
	return nil
}

func (s *stubSession) Close() {}

// fetchStep 脚本化抓取的一步
type fetchStep struct {
	quota  bool
	tables int
	err    error
}

// scriptFetcher 按脚本依次返回结果的抓取替身, 脚本耗尽后重复最后一步
type scriptFetcher struct {
	mu     sync.Mutex
	script []fetchStep
	calls  []string
}

func (f *scriptFetcher) Fetch(ctx context.Context, url string) (*fetcher.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls = append(f.calls, url)
	step := f.script[idx]
	if step.err != nil {
		return nil, step.err
	}
	if step.quota {
		return &fetcher.FetchResult{QuotaBanner: true}, nil
	}
	return &fetcher.FetchResult{Node: nodeWithTables(step.tables)}, nil
}

func nodeWithTables(n int) *models.ResultNode {
	node := &models.ResultNode{TS: 1}
	for i := 0; i < n; i++ {
		node.Tables = append(node.Tables, models.Table{
			TableID: fmt.Sprintf("content_tb_%d", i),
			Rows:    []models.TableRow{{Key: "k", ValueText: "v"}},
		})
	}
	return node
}

func newTestPool(t *testing.T, n int) *accounts.Pool {
	t.Helper()
	dir := t.TempDir()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "{\"email\":\"acc%d@x.cn\",\"password\":\"p%d\"}\n", i, i)
	}
	accPath := filepath.Join(dir, "accounts.ndjson")
	if err := os.WriteFile(accPath, []byte(sb.String()), 0644); err != nil {
		t.Fatalf("写入账号文件失败: %v", err)
	}
	pool, err := accounts.NewPool(accPath, filepath.Join(dir, "cursor.json"))
	if err != nil {
		t.Fatalf("创建账号池失败: %v", err)
	}
	return pool
}

func fastCrawlConfig() models.CrawlConfig {
	cfg := models.DefaultCrawlConfig()
	cfg.RetryDelay = 0
	cfg.WaitTime = 0
	return cfg
}

func TestEnsureLoggedIn_AdvanceOnLoginFailure(t *testing.T) {
	pool := newTestPool(t, 3)
	session := &stubSession{failEmails: map[string]bool{"acc0@x.cn": true}}
	policy := NewRotationPolicy(pool, session, fastCrawlConfig(), 0)

	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("登录应该在前移游标后成功: %v", err)
	}
	if got := session.logins; len(got) != 1 || got[0] != "acc1@x.cn" {
		t.Errorf("应该用第二个账号登录, 实际: %v", got)
	}
	if pool.Index() != 1 {
		t.Errorf("游标应该前移到1, 实际: %d", pool.Index())
	}
	if policy.State() != StateActive {
		t.Errorf("状态应该是active, 实际: %s", policy.State())
	}
}

func TestEnsureLoggedIn_TwoFailuresIsFatal(t *testing.T) {
	pool := newTestPool(t, 3)
	session := &stubSession{failEmails: map[string]bool{"acc0@x.cn": true, "acc1@x.cn": true}}
	policy := NewRotationPolicy(pool, session, fastCrawlConfig(), 0)

	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err == nil {
		t.Fatal("连续两个账号登录失败应该返回错误")
	}
}

func TestFetchGuarded_QuotaRotatesAndRefetches(t *testing.T) {
	pool := newTestPool(t, 3)
	session := &stubSession{}
	cfg := fastCrawlConfig()
	policy := NewRotationPolicy(pool, session, cfg, 0)
	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("初始登录失败: %v", err)
	}

	f := &scriptFetcher{script: []fetchStep{
		{quota: true},
		{tables: cfg.MinTables},
	}}
	node, outcome, err := policy.FetchGuarded(context.Background(), f, "http://x/signin", "http://x/ship.aspx?id=1")
	if err != nil {
		t.Fatalf("守护抓取失败: %v", err)
	}
	if outcome != OutcomeSaved {
		t.Errorf("结果应该可保存, 实际: %d", outcome)
	}
	if node.TableCount() != cfg.MinTables {
		t.Errorf("应该返回轮换后的完整结果, 表格数: %d", node.TableCount())
	}
	if len(f.calls) != 2 || f.calls[0] != f.calls[1] {
		t.Errorf("轮换后应该重抓同一URL, 调用: %v", f.calls)
	}
	if session.logouts != 1 {
		t.Errorf("轮换应该先登出, 登出次数: %d", session.logouts)
	}
	if pool.Index() != 1 {
		t.Errorf("轮换应该前移游标, 实际: %d", pool.Index())
	}
	if policy.Rotations() != 1 {
		t.Errorf("轮换次数应该是1, 实际: %d", policy.Rotations())
	}
}

func TestFetchGuarded_ThinRetryRecovers(t *testing.T) {
	pool := newTestPool(t, 3)
	session := &stubSession{}
	cfg := fastCrawlConfig() // ThinRetries=2
	policy := NewRotationPolicy(pool, session, cfg, 0)
	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("初始登录失败: %v", err)
	}

	f := &scriptFetcher{script: []fetchStep{
		{tables: 1},
		{tables: 2},
		{tables: cfg.MinTables},
	}}
	node, outcome, err := policy.FetchGuarded(context.Background(), f, "http://x/signin", "http://x/ship.aspx?id=2")
	if err != nil {
		t.Fatalf("守护抓取失败: %v", err)
	}
	if outcome != OutcomeSaved || node.TableCount() != cfg.MinTables {
		t.Errorf("原地重试应该拿到完整结果: outcome=%d tables=%d", outcome, node.TableCount())
	}
	if policy.Rotations() != 0 {
		t.Errorf("原地重试成功不应该轮换, 实际: %d", policy.Rotations())
	}
	if len(f.calls) != 3 {
		t.Errorf("应该抓取3次, 实际: %d", len(f.calls))
	}
}

func TestFetchGuarded_ThinPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      models.ThinPolicy
		wantOutcome Outcome
		wantRotate  int
	}{
		{name: "轮换策略", policy: models.ThinRotate, wantOutcome: OutcomeSaved, wantRotate: 1},
		{name: "跳过策略", policy: models.ThinSkip, wantOutcome: OutcomeSkip, wantRotate: 0},
		{name: "停止策略", policy: models.ThinStop, wantOutcome: OutcomeStop, wantRotate: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t, 3)
			session := &stubSession{}
			cfg := fastCrawlConfig()
			cfg.ThinRetries = 0
			cfg.ThinPolicy = tt.policy
			policy := NewRotationPolicy(pool, session, cfg, 0)
			if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
				t.Fatalf("初始登录失败: %v", err)
			}

			// 永远是瘦结果
			f := &scriptFetcher{script: []fetchStep{{tables: 1}}}
			node, outcome, err := policy.FetchGuarded(context.Background(), f, "http://x/signin", "http://x/ship.aspx?id=3")
			if err != nil {
				t.Fatalf("守护抓取失败: %v", err)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("结果分类应该是%d, 实际: %d", tt.wantOutcome, outcome)
			}
			if node == nil {
				t.Fatal("瘦结果本身应该返回给调用方")
			}
			if policy.Rotations() != tt.wantRotate {
				t.Errorf("轮换次数应该是%d, 实际: %d", tt.wantRotate, policy.Rotations())
			}
		})
	}
}

func TestFetchGuarded_AllAccountsExhausted(t *testing.T) {
	pool := newTestPool(t, 2)
	session := &stubSession{}
	policy := NewRotationPolicy(pool, session, fastCrawlConfig(), 0)
	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("初始登录失败: %v", err)
	}

	// 每个账号都命中配额横幅
	f := &scriptFetcher{script: []fetchStep{{quota: true}}}
	_, _, err := policy.FetchGuarded(context.Background(), f, "http://x/signin", "http://x/ship.aspx?id=4")
	if err == nil {
		t.Fatal("整个池耗尽应该返回错误")
	}
	if !strings.Contains(err.Error(), "配额") {
		t.Errorf("错误信息应该提到配额: %v", err)
	}
}

func TestFetchGuarded_FetchErrorPropagates(t *testing.T) {
	pool := newTestPool(t, 2)
	session := &stubSession{}
	policy := NewRotationPolicy(pool, session, fastCrawlConfig(), 0)
	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("初始登录失败: %v", err)
	}

	crash := errors.New("连接被重置")
	f := &scriptFetcher{script: []fetchStep{{err: crash}}}
	_, _, err := policy.FetchGuarded(context.Background(), f, "http://x/signin", "http://x/ship.aspx?id=5")
	if !errors.Is(err, crash) {
		t.Errorf("抓取错误应该原样上抛, 实际: %v", err)
	}
}

func TestNoteSaved_BatchRotation(t *testing.T) {
	pool := newTestPool(t, 3)
	session := &stubSession{}
	cfg := fastCrawlConfig()
	cfg.BatchEvery = 2
	policy := NewRotationPolicy(pool, session, cfg, 0)
	if err := policy.EnsureLoggedIn(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("初始登录失败: %v", err)
	}

	if err := policy.NoteSaved(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("第一次记录失败: %v", err)
	}
	if policy.Rotations() != 0 {
		t.Errorf("未达阈值不应该轮换, 实际: %d", policy.Rotations())
	}

	if err := policy.NoteSaved(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("第二次记录失败: %v", err)
	}
	if policy.Rotations() != 1 {
		t.Errorf("达到批次阈值应该主动轮换, 实际: %d", policy.Rotations())
	}
	if pool.Index() != 1 {
		t.Errorf("批次轮换应该前移游标, 实际: %d", pool.Index())
	}

	// 轮换后计数清零, 下一次保存不触发
	if err := policy.NoteSaved(context.Background(), "http://x/signin"); err != nil {
		t.Fatalf("第三次记录失败: %v", err)
	}
	if policy.Rotations() != 1 {
		t.Errorf("轮换后计数应该清零, 实际轮换: %d", policy.Rotations())
	}
}
