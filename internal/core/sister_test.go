package core

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/frontier"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

func TestSisterCrawler_RecursiveDiscovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Workers = 2
	ns := testNodeStore(t, cfg)
	discovered, err := frontier.OpenDiscoveredLog(cfg.Paths.DiscoveredFile, ns)
	if err != nil {
		t.Fatalf("打开发现日志失败: %v", err)
	}

	browser := newStubBrowser(cfg.Crawl.MinTables)
	// 船0的姊妹船是1和2; 船1又指回0(环), 不应该重复入队
	browser.sisters["http://x/ship.aspx?id=0"] = []models.SisterRow{
		{Name: "Hull 1", URL: "http://x/ship.aspx?id=1"},
		{Name: "Hull 2", URL: "http://x/ship.aspx?id=2"},
	}
	browser.sisters["http://x/ship.aspx?id=1"] = []models.SisterRow{
		{Name: "Hull 0", URL: "http://x/ship.aspx?id=0"},
	}
	factory := func() (fetcher.BrowserSession, error) { return browser, nil }

	sc := NewSisterCrawler(cfg, ns, discovered, factory, nil)
	stats, err := sc.Run(context.Background(), []models.WorkItem{
		{URL: "http://x/ship.aspx?id=0", OriginYard: "Test Yard"},
	})
	if err != nil {
		t.Fatalf("递归发现运行失败: %v", err)
	}

	if stats.Saved != 3 {
		t.Errorf("应该保存种子+两艘姊妹船共3艘: %+v", stats)
	}
	if stats.Discovered != 2 {
		t.Errorf("新发现应该是2艘(环不重复计): %+v", stats)
	}
	for _, u := range []string{
		"http://x/ship.aspx?id=0",
		"http://x/ship.aspx?id=1",
		"http://x/ship.aspx?id=2",
	} {
		if !ns.Exists(u) {
			t.Errorf("节点应该已落盘: %s", u)
		}
	}
}

func TestSisterCrawler_LoginFailureStillConverges(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Workers = 2
	ns := testNodeStore(t, cfg)
	discovered, err := frontier.OpenDiscoveredLog(cfg.Paths.DiscoveredFile, ns)
	if err != nil {
		t.Fatalf("打开发现日志失败: %v", err)
	}

	browser := newStubBrowser(cfg.Crawl.MinTables)
	// 所有账号登录都失败: worker降级继续消费队列, 运行必须收敛
	browser.failEmails = map[string]bool{
		"acc0@x.cn": true, "acc1@x.cn": true, "acc2@x.cn": true, "acc3@x.cn": true,
	}
	factory := func() (fetcher.BrowserSession, error) { return browser, nil }

	sc := NewSisterCrawler(cfg, ns, discovered, factory, nil)
	stats, err := sc.Run(context.Background(), []models.WorkItem{
		{URL: "http://x/ship.aspx?id=0"},
		{URL: "http://x/ship.aspx?id=1"},
	})
	if err != nil {
		t.Fatalf("递归发现运行失败: %v", err)
	}
	if stats.Saved != 2 {
		t.Errorf("登录失败不应该丢弃已入队条目: %+v", stats)
	}
}

func TestSisterCrawler_DiscoveredLogPersisted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Workers = 1
	ns := testNodeStore(t, cfg)
	discovered, err := frontier.OpenDiscoveredLog(cfg.Paths.DiscoveredFile, ns)
	if err != nil {
		t.Fatalf("打开发现日志失败: %v", err)
	}

	browser := newStubBrowser(cfg.Crawl.MinTables)
	browser.sisters["http://x/ship.aspx?id=0"] = []models.SisterRow{
		{Name: "Hull 9", URL: "http://x/ship.aspx?id=9"},
	}
	factory := func() (fetcher.BrowserSession, error) { return browser, nil }

	sc := NewSisterCrawler(cfg, ns, discovered, factory, nil)
	if _, err := sc.Run(context.Background(), []models.WorkItem{
		{URL: "http://x/ship.aspx?id=0"},
	}); err != nil {
		t.Fatalf("递归发现运行失败: %v", err)
	}

	data, err := os.ReadFile(cfg.Paths.DiscoveredFile)
	if err != nil {
		t.Fatalf("读取发现日志失败: %v", err)
	}
	if !strings.Contains(string(data), "ship.aspx?id=9") {
		t.Errorf("发现日志应该记录新姊妹船: %s", data)
	}

	// 重新打开日志: 已记录的姊妹船视为已见
	reopened, err := frontier.OpenDiscoveredLog(cfg.Paths.DiscoveredFile, ns)
	if err != nil {
		t.Fatalf("重新打开发现日志失败: %v", err)
	}
	if !reopened.Seen("http://x/ship.aspx?id=9") {
		t.Error("重新打开后已记录的URL应该被识别")
	}
}

func TestSisterCrawler_SkipsExistingSeeds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Workers = 1
	ns := testNodeStore(t, cfg)
	discovered, err := frontier.OpenDiscoveredLog(cfg.Paths.DiscoveredFile, ns)
	if err != nil {
		t.Fatalf("打开发现日志失败: %v", err)
	}

	// 种子已经落盘
	done := nodeWithTables(cfg.Crawl.MinTables)
	done.URL = "http://x/ship.aspx?id=0"
	if err := ns.SaveNode(done); err != nil {
		t.Fatalf("预写节点失败: %v", err)
	}

	browser := newStubBrowser(cfg.Crawl.MinTables)
	factory := func() (fetcher.BrowserSession, error) { return browser, nil }

	sc := NewSisterCrawler(cfg, ns, discovered, factory, nil)
	stats, err := sc.Run(context.Background(), []models.WorkItem{
		{URL: "http://x/ship.aspx?id=0"},
	})
	if err != nil {
		t.Fatalf("递归发现运行失败: %v", err)
	}
	if stats.Assigned != 0 || stats.Saved != 0 {
		t.Errorf("已落盘的种子不应该重新抓取: %+v", stats)
	}
	if browser.fetchCount() != 0 {
		t.Errorf("不应该有任何抓取调用: %d", browser.fetchCount())
	}
}
