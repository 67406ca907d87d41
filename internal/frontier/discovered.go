package frontier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// discoveredEntry 发现日志中的一行
type discoveredEntry struct {
	URL        string `json:"url"`
	OriginYard string `json:"origin_yard,omitempty"`
}

// DiscoveredLog 追加式发现日志
// 递归姊妹船发现的去重账本: 内存seen集在打开时由日志本身和
// 已完成节点的磁盘扫描共同播种, 追加在锁内进行
type DiscoveredLog struct {
	mu   sync.Mutex
	path string
	seen map[string]bool
}

// OpenDiscoveredLog 打开(或创建)发现日志并播种seen集
// ns非nil时把已完成节点的键也计入seen, 避免重复入队已抓完的船
func OpenDiscoveredLog(path string, ns *store.NodeStore) (*DiscoveredLog, error) {
	d := &DiscoveredLog{path: path, seen: make(map[string]bool)}

	if err := d.loadExisting(); err != nil {
		return nil, err
	}
	fromLog := len(d.seen)

	if ns != nil {
		done, err := ns.ScanDone()
		if err != nil {
			return nil, err
		}
		for key := range done {
			d.seen["md5:"+key] = true
		}
	}

	utils.Infof("📥 发现日志就绪: 日志 %d 条, seen集 %d 项 (%s)", fromLog, len(d.seen), path)
	return d, nil
}

func (d *DiscoveredLog) loadExisting() error {
	file, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("打开发现日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry discoveredEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// 历史版本的日志是裸URL行, 兼容处理
			entry.URL = line
		}
		if canon := utils.CanonicalURL(entry.URL); canon != "" {
			d.markLocked(canon)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("读取发现日志失败: %w", err)
	}
	return nil
}

func (d *DiscoveredLog) markLocked(canon string) {
	d.seen[canon] = true
	d.seen["md5:"+utils.MD5Hex(canon)] = true
}

// Seen URL是否已见过(日志中出现过, 或其节点已完成)
func (d *DiscoveredLog) Seen(rawURL string) bool {
	canon := utils.CanonicalURL(rawURL)
	if canon == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[canon] || d.seen["md5:"+utils.MD5Hex(canon)]
}

// Append 追加新发现的条目, 返回真正新增(未见过)的条目
// 追加在锁内完成: 多worker同时发现同一URL时只有第一个写入
func (d *DiscoveredLog) Append(items []models.WorkItem) ([]models.WorkItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fresh []models.WorkItem
	inBatch := make(map[string]bool)
	for _, item := range items {
		canon := utils.CanonicalURL(item.URL)
		if canon == "" || inBatch[canon] || d.seen[canon] || d.seen["md5:"+utils.MD5Hex(canon)] {
			continue
		}
		inBatch[canon] = true
		item.URL = canon
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	file, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开发现日志失败: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, item := range fresh {
		line, err := json.Marshal(discoveredEntry{URL: item.URL, OriginYard: item.OriginYard})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("追加发现日志失败: %w", err)
		}
		d.markLocked(item.URL)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("刷新发现日志失败: %w", err)
	}
	return fresh, nil
}

// Size seen集大小
func (d *DiscoveredLog) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
