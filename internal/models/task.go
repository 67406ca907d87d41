package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // 待执行
	TaskStatusRunning   TaskStatus = "running"   // 执行中
	TaskStatusCompleted TaskStatus = "completed" // 已完成
	TaskStatusFailed    TaskStatus = "failed"    // 失败
	TaskStatusCancelled TaskStatus = "cancelled" // 已取消
)

// TaskKind 任务类型
type TaskKind string

const (
	TaskShipDetails  TaskKind = "ship-details"  // 守护轮换的船舶详情采集
	TaskSisterCrawl  TaskKind = "sister-crawl"  // 姊妹船递归发现
	TaskFleetIndex   TaskKind = "fleet-index"   // fleet分页表格采集
	TaskCollectLinks TaskKind = "collect-links" // 静态种子链接收集
	TaskRegister     TaskKind = "register"      // 批量注册账号
	TaskAggregate    TaskKind = "aggregate"     // 聚合已保存节点
)

// ThinPolicy 瘦结果处理策略: 重试耗尽后如何处理表格数不足的页面
type ThinPolicy string

const (
	ThinRotate ThinPolicy = "rotate" // 轮换账号, 接受下次抓取结果
	ThinSkip   ThinPolicy = "skip"   // 写跳过标记并继续
	ThinStop   ThinPolicy = "stop"   // 置全局停止标志(致命模式)
)

// RunStats 一次运行的统计
type RunStats struct {
	Assigned   int     `json:"assigned"`   // 分配的条目数
	Saved      int     `json:"saved"`      // 成功保存的节点数
	Errors     int     `json:"errors"`     // 错误标记数
	Skipped    int     `json:"skipped"`    // 跳过标记数
	Rotations  int     `json:"rotations"`  // 账号轮换次数
	Discovered int     `json:"discovered"` // 新发现的链接数
	Duration   float64 `json:"duration"`   // 总耗时(秒)
}

// CrawlConfig 采集配置
type CrawlConfig struct {
	Workers        int        `json:"workers" mapstructure:"workers"`                   // 并发worker数 (默认:4)
	WaitTime       float64    `json:"wait_time" mapstructure:"wait_time"`               // 页面加载后等待时间(秒) (默认:0.2)
	MinTables      int        `json:"min_tables" mapstructure:"min_tables"`             // 瘦结果判定的最小表格数 (默认:6)
	BatchEvery     int        `json:"batch_every" mapstructure:"batch_every"`           // 每账号保存多少条后主动轮换 (默认:50)
	ThinRetries    int        `json:"thin_retries" mapstructure:"thin_retries"`         // 瘦结果额外重试次数 (默认:2)
	RetryDelay     float64    `json:"retry_delay" mapstructure:"retry_delay"`           // 瘦结果重试间隔(秒) (默认:1.5)
	ThinPolicy     ThinPolicy `json:"thin_policy" mapstructure:"thin_policy"`           // 瘦结果策略 (默认:rotate)
	ManualLogin    bool       `json:"manual_login" mapstructure:"manual_login"`         // 人工登录模式(倒计时等待)
	FirstLoginWait int        `json:"first_login_wait" mapstructure:"first_login_wait"` // 首次人工登录等待(秒) (默认:60)
	ReloginWait    int        `json:"relogin_wait" mapstructure:"relogin_wait"`         // 轮换后人工登录等待(秒) (默认:40)
	MaxItems       int        `json:"max_items" mapstructure:"max_items"`               // 最多分配条目数, 0为不限
	BaseIndex      int        `json:"base_index" mapstructure:"base_index"`             // worker游标播种的基准下标
	Headless       bool       `json:"headless" mapstructure:"headless"`                 // 无头模式 (默认:true)
	RebuildIndex   bool       `json:"rebuild_index" mapstructure:"rebuild_index"`       // 强制重建fleet分页索引
}

// Validate 验证配置
func (c *CrawlConfig) Validate() error {
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("worker数必须在1-64之间")
	}
	if c.WaitTime < 0 || c.WaitTime > 60 {
		return fmt.Errorf("等待时间必须在0-60秒之间")
	}
	if c.MinTables < 1 {
		return fmt.Errorf("最小表格数必须大于0")
	}
	if c.BatchEvery < 1 {
		return fmt.Errorf("批次轮换阈值必须大于0")
	}
	if c.ThinRetries < 0 || c.ThinRetries > 10 {
		return fmt.Errorf("重试次数必须在0-10之间")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("重试间隔不能为负")
	}
	switch c.ThinPolicy {
	case ThinRotate, ThinSkip, ThinStop:
	default:
		return fmt.Errorf("瘦结果策略必须是 rotate/skip/stop 之一")
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("最大条目数不能为负")
	}
	if c.BaseIndex < 0 {
		return fmt.Errorf("基准下标不能为负")
	}
	return nil
}

// DefaultCrawlConfig 默认采集配置
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		Workers:        4,
		WaitTime:       0.2,
		MinTables:      6,
		BatchEvery:     50,
		ThinRetries:    2,
		RetryDelay:     1.5,
		ThinPolicy:     ThinRotate,
		FirstLoginWait: 60,
		ReloginWait:    40,
		Headless:       true,
	}
}

// RunTask 一次任务运行的记录
type RunTask struct {
	// 基本信息
	ID          string     `json:"id"`   // 运行唯一ID (UUID)
	Kind        TaskKind   `json:"kind"` // 任务类型
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 配置参数
	Config CrawlConfig `json:"config"`

	// 执行状态
	Status TaskStatus `json:"status"`

	// 统计信息
	Stats RunStats `json:"stats"`

	// 错误信息
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewRunTask 创建新的任务运行记录
func NewRunTask(kind TaskKind, config CrawlConfig) (*RunTask, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RunTask{
		ID:        generateID(),
		Kind:      kind,
		CreatedAt: time.Now(),
		Config:    config,
		Status:    TaskStatusPending,
		Stats:     RunStats{},
	}, nil
}

// Start 标记运行开始
func (t *RunTask) Start() {
	now := time.Now()
	t.StartedAt = &now
	t.Status = TaskStatusRunning
}

// Finish 标记运行结束
func (t *RunTask) Finish(err error) {
	now := time.Now()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.Stats.Duration = now.Sub(*t.StartedAt).Seconds()
	}
	if err != nil {
		t.Status = TaskStatusFailed
		t.ErrorMessage = err.Error()
	} else {
		t.Status = TaskStatusCompleted
	}
}

// ToJSON 序列化为JSON
func (t *RunTask) ToJSON() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// FromJSON 从JSON反序列化
func (t *RunTask) FromJSON(data []byte) error {
	return json.Unmarshal(data, t)
}
