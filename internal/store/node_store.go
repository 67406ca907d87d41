package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// NodeStore 内容寻址的节点存储
// 每艘船按规范化URL的MD5落为一个JSON文件, 文件存在即视为已完成。
// 错误/跳过标记是独立文件, 不阻止后续重抓。
type NodeStore struct {
	dir string
}

// NewNodeStore 创建节点存储, 目录不存在时创建
func NewNodeStore(dir string) (*NodeStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建节点目录失败: %w", err)
	}
	return &NodeStore{dir: dir}, nil
}

// Dir 存储目录
func (s *NodeStore) Dir() string {
	return s.dir
}

// key 规范化URL的内容寻址键
func (s *NodeStore) key(rawURL string) string {
	canon := utils.CanonicalURL(rawURL)
	if canon == "" {
		canon = strings.TrimSpace(rawURL)
	}
	return utils.MD5Hex(canon)
}

// NodePath 节点文件路径 ship_<md5>.json
func (s *NodeStore) NodePath(rawURL string) string {
	return filepath.Join(s.dir, "ship_"+s.key(rawURL)+".json")
}

// ErrorPath 错误标记路径 ship_<md5>.error.json
func (s *NodeStore) ErrorPath(rawURL string) string {
	return filepath.Join(s.dir, "ship_"+s.key(rawURL)+".error.json")
}

// SkipPath 跳过标记路径 ship_<md5>.skipped.json
func (s *NodeStore) SkipPath(rawURL string) string {
	return filepath.Join(s.dir, "ship_"+s.key(rawURL)+".skipped.json")
}

// Exists 节点是否已保存(断点续传的判定依据, 只看节点文件本身)
func (s *NodeStore) Exists(rawURL string) bool {
	_, err := os.Stat(s.NodePath(rawURL))
	return err == nil
}

// SaveNode 持久化保存节点: 临时文件+fsync+rename
// 并发重复写同一URL是安全的: 同一内容寻址路径, rename原子覆盖
func (s *NodeStore) SaveNode(node *models.ResultNode) error {
	if node.TS == 0 {
		node.TS = float64(time.Now().UnixNano()) / 1e9
	}
	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化节点失败: %w", err)
	}
	if err := utils.WriteFileAtomic(s.NodePath(node.URL), data, 0644); err != nil {
		return fmt.Errorf("保存节点失败: %w", err)
	}
	return nil
}

// SaveError 写错误标记
func (s *NodeStore) SaveError(rawURL string, cause error) error {
	marker := models.ErrorMarker{
		URL:   rawURL,
		Error: cause.Error(),
		TS:    float64(time.Now().UnixNano()) / 1e9,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化错误标记失败: %w", err)
	}
	return utils.WriteFileAtomic(s.ErrorPath(rawURL), data, 0644)
}

// SaveSkip 写跳过标记
func (s *NodeStore) SaveSkip(rawURL, reason string, meta map[string]string) error {
	marker := models.SkipMarker{
		URL:    rawURL,
		Reason: reason,
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Meta:   meta,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化跳过标记失败: %w", err)
	}
	return utils.WriteFileAtomic(s.SkipPath(rawURL), data, 0644)
}

// LoadNode 读取已保存的节点
func (s *NodeStore) LoadNode(rawURL string) (*models.ResultNode, error) {
	return s.LoadNodeFile(s.NodePath(rawURL))
}

// LoadNodeFile 按路径读取节点文件
func (s *NodeStore) LoadNodeFile(path string) (*models.ResultNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取节点文件失败: %w", err)
	}
	var node models.ResultNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("解析节点文件失败: %w", err)
	}
	return &node, nil
}

// ScanDone 扫描已完成的节点键集合(排除错误/跳过标记)
// 递归发现在启动时用它播种内存去重集, 避免重复入队已完成的船
func (s *NodeStore) ScanDone() (map[string]bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "ship_*.json"))
	if err != nil {
		return nil, fmt.Errorf("扫描节点目录失败: %w", err)
	}

	done := make(map[string]bool, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		if strings.HasSuffix(name, ".error.json") || strings.HasSuffix(name, ".skipped.json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, "ship_"), ".json")
		if len(key) == 32 {
			done[key] = true
		}
	}
	return done, nil
}

// DoneKey 判断URL是否在ScanDone返回的键集合中
func (s *NodeStore) DoneKey(rawURL string) string {
	return s.key(rawURL)
}

// ListNodeFiles 所有节点文件路径(排除标记), 聚合任务使用
func (s *NodeStore) ListNodeFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "ship_*.json"))
	if err != nil {
		return nil, fmt.Errorf("扫描节点目录失败: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		if strings.HasSuffix(name, ".error.json") || strings.HasSuffix(name, ".skipped.json") {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Count 已保存节点数量
func (s *NodeStore) Count() int {
	done, err := s.ScanDone()
	if err != nil {
		return 0
	}
	return len(done)
}
