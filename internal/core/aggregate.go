package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// Aggregator 把逐船落盘的结果节点汇总成单一数据集
// 同一URL出现多份时保留信息量最大的一份: 表格多者优先, 再比行数, 最后比时间戳。
type Aggregator struct {
	nodeStore *store.NodeStore
	outputDir string
}

// NewAggregator 创建汇总器
func NewAggregator(nodeStore *store.NodeStore, outputDir string) *Aggregator {
	return &Aggregator{nodeStore: nodeStore, outputDir: outputDir}
}

// Run 扫描全部结果节点并写出汇总文件
func (a *Aggregator) Run() (models.RunStats, error) {
	stats := models.RunStats{}
	start := time.Now()

	files, err := a.nodeStore.ListNodeFiles()
	if err != nil {
		return stats, err
	}
	if len(files) == 0 {
		return stats, fmt.Errorf("没有可汇总的结果节点: %s", a.nodeStore.Dir())
	}
	stats.Assigned = len(files)

	utils.Infof("🚀 结果汇总启动: %d 个节点文件", len(files))
	bar := utils.NewProgressBar(len(files), "汇总节点")

	best := make(map[string]*models.ResultNode)
	for _, path := range files {
		node, err := a.nodeStore.LoadNodeFile(path)
		if err != nil {
			utils.Warnf("节点文件损坏(跳过): %s (%v)", path, err)
			stats.Errors++
			_ = bar.Add(1)
			continue
		}
		key := utils.CanonicalURL(node.URL)
		if key == "" {
			key = filepath.Base(path)
		}
		if cur, ok := best[key]; !ok || betterNode(node, cur) {
			best[key] = node
		}
		_ = bar.Add(1)
	}

	nodes := make([]*models.ResultNode, 0, len(best))
	for _, node := range best {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })

	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return stats, fmt.Errorf("创建输出目录失败: %w", err)
	}
	if err := a.writeJSON(nodes); err != nil {
		return stats, err
	}
	if err := a.writeNDJSON(nodes); err != nil {
		return stats, err
	}

	stats.Saved = len(nodes)
	stats.Duration = time.Since(start).Seconds()
	utils.Infof("✅ 汇总完成: %d 个文件 → %d 艘船, 损坏=%d, 耗时=%.1fs",
		stats.Assigned, stats.Saved, stats.Errors, stats.Duration)
	return stats, nil
}

// betterNode a是否比b的信息量更大
func betterNode(a, b *models.ResultNode) bool {
	if a.TableCount() != b.TableCount() {
		return a.TableCount() > b.TableCount()
	}
	if a.RowCount() != b.RowCount() {
		return a.RowCount() > b.RowCount()
	}
	return a.TS > b.TS
}

func (a *Aggregator) writeJSON(nodes []*models.ResultNode) error {
	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化汇总失败: %w", err)
	}
	path := filepath.Join(a.outputDir, "ship_details.json")
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return err
	}
	utils.Infof("📊 汇总数据集: %s", path)
	return nil
}

func (a *Aggregator) writeNDJSON(nodes []*models.ResultNode) error {
	path := filepath.Join(a.outputDir, "ship_details.ndjson")
	tmp := make([]byte, 0, len(nodes)*256)
	for _, node := range nodes {
		line, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("序列化节点失败: %w", err)
		}
		tmp = append(tmp, line...)
		tmp = append(tmp, '\n')
	}
	return utils.WriteFileAtomic(path, tmp, 0644)
}
