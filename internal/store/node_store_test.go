package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

func newNode(url string, tables int) *models.ResultNode {
	node := &models.ResultNode{URL: url, TS: 1}
	for i := 0; i < tables; i++ {
		node.Tables = append(node.Tables, models.Table{
			TableID: "content_tb_" + string(rune('a'+i)),
			Rows:    []models.TableRow{{Key: "k", ValueText: "v"}},
		})
	}
	return node
}

func TestNodeStore_CanonicalAddressing(t *testing.T) {
	s, err := NewNodeStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewNodeStore() error = %v", err)
	}

	// 同一资源的不同写法寻址到同一文件
	if err := s.SaveNode(newNode("http://example.com/ship.aspx?1", 6)); err != nil {
		t.Fatalf("SaveNode() error = %v", err)
	}
	variants := []string{
		"http://example.com/ship.aspx?1",
		"HTTP://Example.COM:80/ship.aspx?1",
		"http://example.com/ship.aspx?1#top",
	}
	for _, v := range variants {
		if !s.Exists(v) {
			t.Errorf("变体 %q 应视为已保存", v)
		}
	}
	if s.Exists("http://example.com/ship.aspx?2") {
		t.Error("未保存的URL不应存在")
	}
}

func TestNodeStore_MarkersDoNotCountAsDone(t *testing.T) {
	s, err := NewNodeStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewNodeStore() error = %v", err)
	}

	url := "http://example.com/ship.aspx?1"
	if err := s.SaveError(url, errors.New("网络超时")); err != nil {
		t.Fatalf("SaveError() error = %v", err)
	}
	if err := s.SaveSkip(url, "thin_result", map[string]string{"tables": "2"}); err != nil {
		t.Fatalf("SaveSkip() error = %v", err)
	}

	// 错误/跳过标记不算完成, 下次运行仍会重抓
	if s.Exists(url) {
		t.Error("只有标记文件时不应视为已完成")
	}
	done, err := s.ScanDone()
	if err != nil {
		t.Fatalf("ScanDone() error = %v", err)
	}
	if len(done) != 0 {
		t.Errorf("ScanDone() = %d 个完成键, 期望 0", len(done))
	}

	// 保存节点后, 三个文件共存, 只有节点算完成
	if err := s.SaveNode(newNode(url, 6)); err != nil {
		t.Fatalf("SaveNode() error = %v", err)
	}
	done, _ = s.ScanDone()
	if len(done) != 1 {
		t.Errorf("ScanDone() = %d 个完成键, 期望 1", len(done))
	}
	if !done[s.DoneKey(url)] {
		t.Error("完成键集合应包含该URL的键")
	}
}

func TestNodeStore_SaveAndLoadRoundTrip(t *testing.T) {
	s, err := NewNodeStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewNodeStore() error = %v", err)
	}

	node := newNode("http://example.com/ship.aspx?9", 3)
	node.OriginYard = "Example Yard"
	if err := s.SaveNode(node); err != nil {
		t.Fatalf("SaveNode() error = %v", err)
	}

	loaded, err := s.LoadNode(node.URL)
	if err != nil {
		t.Fatalf("LoadNode() error = %v", err)
	}
	if loaded.URL != node.URL || loaded.TableCount() != 3 || loaded.OriginYard != "Example Yard" {
		t.Errorf("读回的节点不匹配: %+v", loaded)
	}
}

func TestNodeStore_ConcurrentDuplicateWrites(t *testing.T) {
	s, err := NewNodeStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewNodeStore() error = %v", err)
	}

	// 两个worker同时发现同一URL: 重复写是幂等的, 不会损坏文件
	url := "http://example.com/ship.aspx?dup"
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SaveNode(newNode(url, 6)); err != nil {
				t.Errorf("并发SaveNode() error = %v", err)
			}
		}()
	}
	wg.Wait()

	loaded, err := s.LoadNode(url)
	if err != nil {
		t.Fatalf("并发写后读取失败: %v", err)
	}
	if loaded.TableCount() != 6 {
		t.Errorf("并发写后表格数 = %d, 期望 6", loaded.TableCount())
	}

	files, err := s.ListNodeFiles()
	if err != nil {
		t.Fatalf("ListNodeFiles() error = %v", err)
	}
	if len(files) != 1 {
		t.Errorf("同一URL应只有一个节点文件, got %d", len(files))
	}
}

func TestNodeStore_ListNodeFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewNodeStore(dir)
	if err != nil {
		t.Fatalf("NewNodeStore() error = %v", err)
	}

	s.SaveNode(newNode("http://example.com/a", 6))
	s.SaveNode(newNode("http://example.com/b", 6))
	s.SaveError("http://example.com/c", errors.New("x"))
	s.SaveSkip("http://example.com/d", "thin_result", nil)

	files, err := s.ListNodeFiles()
	if err != nil {
		t.Fatalf("ListNodeFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Errorf("节点文件数 = %d, 期望 2 (标记文件应排除)", len(files))
	}
	for _, f := range files {
		if filepath.Dir(f) != dir {
			t.Errorf("节点文件应在存储目录下: %s", f)
		}
	}
}
