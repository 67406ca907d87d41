package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

func TestAggregator_MergesAndDedups(t *testing.T) {
	cfg := testConfig(t)
	ns := testNodeStore(t, cfg)

	// 三艘不同的船
	for i := 0; i < 3; i++ {
		node := nodeWithTables(6)
		node.URL = "http://x/ship.aspx?id=" + string(rune('0'+i))
		node.OriginYard = "Test Yard"
		if err := ns.SaveNode(node); err != nil {
			t.Fatalf("预写节点失败: %v", err)
		}
	}

	// 同一艘船的一份信息量更少的旧文件(文件名不同, URL相同)
	dup := nodeWithTables(2)
	dup.URL = "http://x/ship.aspx?id=0"
	data, _ := json.Marshal(dup)
	stale := filepath.Join(cfg.Paths.OutputDir, "ship_00000000000000000000000000000000.json")
	if err := os.WriteFile(stale, data, 0644); err != nil {
		t.Fatalf("预写重复文件失败: %v", err)
	}

	outDir := filepath.Join(t.TempDir(), "agg")
	agg := NewAggregator(ns, outDir)
	stats, err := agg.Run()
	if err != nil {
		t.Fatalf("汇总失败: %v", err)
	}
	if stats.Assigned != 4 {
		t.Errorf("应该扫描4个文件: %+v", stats)
	}
	if stats.Saved != 3 {
		t.Errorf("同一URL应该去重成3艘船: %+v", stats)
	}

	// JSON数据集: 去重后保留表格多的那份
	var nodes []models.ResultNode
	out, err := os.ReadFile(filepath.Join(outDir, "ship_details.json"))
	if err != nil {
		t.Fatalf("读取汇总文件失败: %v", err)
	}
	if err := json.Unmarshal(out, &nodes); err != nil {
		t.Fatalf("解析汇总文件失败: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("汇总应该有3艘船, 实际: %d", len(nodes))
	}
	for _, node := range nodes {
		if node.TableCount() != 6 {
			t.Errorf("去重应该保留信息量大的一份: %s 有 %d 张表", node.URL, node.TableCount())
		}
	}

	// NDJSON逐行可解析
	nd, err := os.ReadFile(filepath.Join(outDir, "ship_details.ndjson"))
	if err != nil {
		t.Fatalf("读取NDJSON失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(nd)), "\n")
	if len(lines) != 3 {
		t.Errorf("NDJSON应该有3行, 实际: %d", len(lines))
	}
	for _, line := range lines {
		var n models.ResultNode
		if err := json.Unmarshal([]byte(line), &n); err != nil {
			t.Errorf("NDJSON行解析失败: %v", err)
		}
	}
}

func TestAggregator_SkipsCorruptFiles(t *testing.T) {
	cfg := testConfig(t)
	ns := testNodeStore(t, cfg)

	node := nodeWithTables(6)
	node.URL = "http://x/ship.aspx?id=1"
	if err := ns.SaveNode(node); err != nil {
		t.Fatalf("预写节点失败: %v", err)
	}

	corrupt := filepath.Join(cfg.Paths.OutputDir, "ship_11111111111111111111111111111111.json")
	if err := os.WriteFile(corrupt, []byte("{broken"), 0644); err != nil {
		t.Fatalf("预写损坏文件失败: %v", err)
	}

	agg := NewAggregator(ns, t.TempDir())
	stats, err := agg.Run()
	if err != nil {
		t.Fatalf("汇总失败: %v", err)
	}
	if stats.Saved != 1 || stats.Errors != 1 {
		t.Errorf("损坏文件应该跳过并计数: %+v", stats)
	}
}

func TestAggregator_EmptyStoreIsError(t *testing.T) {
	cfg := testConfig(t)
	ns := testNodeStore(t, cfg)

	agg := NewAggregator(ns, t.TempDir())
	if _, err := agg.Run(); err == nil {
		t.Fatal("空存储应该返回错误")
	}
}
