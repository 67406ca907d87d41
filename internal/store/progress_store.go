package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// ProgressStore fleet分页采集的进度存储
// 每次标记完成都是 读取→合并→原子写 的完整回合, 进程随时被杀也不会出现半截文件
type ProgressStore struct {
	mu   sync.Mutex
	path string
}

// NewProgressStore 创建进度存储
func NewProgressStore(path string) *ProgressStore {
	return &ProgressStore{path: path}
}

// Load 读取进度; 文件缺失或损坏时返回空结构(记录警告, 不致命)
func (p *ProgressStore) Load() *models.ProgressIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *ProgressStore) loadLocked() *models.ProgressIndex {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return models.NewProgressIndex()
	}

	var idx models.ProgressIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		utils.Warnf("进度文件损坏, 重新开始: %s (%v)", p.path, err)
		return models.NewProgressIndex()
	}
	if idx.Done == nil {
		idx.Done = make(map[string]models.DoneEntry)
	}
	return &idx
}

func (p *ProgressStore) saveLocked(idx *models.ProgressIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化进度失败: %w", err)
	}
	if err := utils.WriteFileAtomic(p.path, data, 0644); err != nil {
		return fmt.Errorf("保存进度失败: %w", err)
	}
	return nil
}

// MarkDone 标记一页完成: 读取最新进度、合并、原子写回
// done只增不减; 重复标记同一页只更新该页记录
func (p *ProgressStore) MarkDone(pageNo int, url string, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.loadLocked()
	idx.Done[strconv.Itoa(pageNo)] = models.DoneEntry{
		URL:  url,
		Rows: rows,
		TS:   float64(time.Now().UnixNano()) / 1e9,
	}
	return p.saveLocked(idx)
}

// IsDone 某页是否已完成
func (p *ProgressStore) IsDone(pageNo int) bool {
	idx := p.Load()
	_, ok := idx.Done[strconv.Itoa(pageNo)]
	return ok
}

// SaveIndex 持久化分页索引到meta, 保留已有的done记录
func (p *ProgressStore) SaveIndex(pages []models.PageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.loadLocked()
	idx.Meta.Index = pages
	return p.saveLocked(idx)
}

// Index 已持久化的分页索引
func (p *ProgressStore) Index() []models.PageRef {
	return p.Load().Meta.Index
}

// Pending 索引中尚未完成的页面
func (p *ProgressStore) Pending() []models.PageRef {
	idx := p.Load()
	var out []models.PageRef
	for _, ref := range idx.Meta.Index {
		if _, ok := idx.Done[strconv.Itoa(ref.PageNo)]; !ok {
			out = append(out, ref)
		}
	}
	return out
}
