package fetcher

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceMonitor 系统资源监控器
// 职责: 监控内存和CPU, 计算允许同时运行的浏览器会话数
// 每个worker独占一个浏览器实例, 内存开销远大于单个标签页
type ResourceMonitor struct {
	config ResourceMonitorConfig

	// 系统总内存(字节)
	totalMemory uint64

	// 缓存的计算结果
	cachedMax     int
	lastCacheTime time.Time
	cacheMu       sync.RWMutex

	// CPU使用率缓存
	lastCPUUsage float64
	cpuUsageMu   sync.RWMutex

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	isRunning  bool
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 安全保留内存(字节)
	CPULoadThreshold    int   // CPU负载阈值(%)
	MaxSessionsLimit    int   // 绝对最大会话数
	SessionMemoryUsage  int64 // 单个浏览器会话平均内存消耗(字节)
}

// DefaultResourceMonitorConfig 默认配置: 每个浏览器按500MB估算
func DefaultResourceMonitorConfig() ResourceMonitorConfig {
	return ResourceMonitorConfig{
		SafetyReserveMemory: 1024 * 1024 * 1024, // 1GB
		CPULoadThreshold:    85,
		MaxSessionsLimit:    16,
		SessionMemoryUsage:  500 * 1024 * 1024,
	}
}

// NewResourceMonitor 创建资源监控器实例
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.SessionMemoryUsage == 0 {
		config.SessionMemoryUsage = 500 * 1024 * 1024
	}
	if config.MaxSessionsLimit == 0 {
		config.MaxSessionsLimit = 16
	}

	vmStat, err := mem.VirtualMemory()
	var totalMem uint64
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,使用默认值")
		totalMem = 4 * 1024 * 1024 * 1024
	} else {
		totalMem = vmStat.Total
		log.Info().Msgf("系统总内存: %.2f GB", float64(totalMem)/(1024*1024*1024))
	}

	return &ResourceMonitor{
		config:      config,
		totalMemory: totalMem,
	}
}

// StartMonitoring 启动后台CPU采样(幂等)
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				usage := sampleCPUUsage()
				rm.cpuUsageMu.Lock()
				rm.lastCPUUsage = usage
				rm.cpuUsageMu.Unlock()
			}
		}
	}()
}

// StopMonitoring 停止监控
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

// sampleCPUUsage 采样系统CPU使用率(所有核心平均)
func sampleCPUUsage() float64 {
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percentages) == 0 {
		return 0.0
	}
	return percentages[0]
}

// CalculateMaxSessions 基于可用内存和CPU核数计算允许的会话数(缓存1秒)
func (rm *ResourceMonitor) CalculateMaxSessions() int {
	rm.cacheMu.RLock()
	if time.Since(rm.lastCacheTime) < time.Second && rm.cachedMax > 0 {
		cached := rm.cachedMax
		rm.cacheMu.RUnlock()
		return cached
	}
	rm.cacheMu.RUnlock()

	available := rm.availableMemory()

	byMemory := 1
	if available > rm.config.SessionMemoryUsage {
		byMemory = int(available / rm.config.SessionMemoryUsage)
	}

	result := byMemory
	if byCPU := runtime.NumCPU(); byCPU < result {
		result = byCPU
	}
	if rm.config.MaxSessionsLimit < result {
		result = rm.config.MaxSessionsLimit
	}
	if result < 1 {
		result = 1
	}

	rm.cacheMu.Lock()
	rm.cachedMax = result
	rm.lastCacheTime = time.Now()
	rm.cacheMu.Unlock()

	return result
}

// CapWorkers 把请求的worker数钳制到资源允许的范围内
func (rm *ResourceMonitor) CapWorkers(requested int) int {
	allowed := rm.CalculateMaxSessions()
	if requested > allowed {
		log.Warn().Msgf("worker数 %d 超出资源允许的 %d, 已钳制", requested, allowed)
		return allowed
	}
	if requested < 1 {
		return 1
	}
	return requested
}

// CPUOverloaded CPU负载是否超过阈值(阈值>=200视为禁用检查)
func (rm *ResourceMonitor) CPUOverloaded() bool {
	if rm.config.CPULoadThreshold >= 200 {
		return false
	}
	rm.cpuUsageMu.RLock()
	defer rm.cpuUsageMu.RUnlock()
	return rm.lastCPUUsage > float64(rm.config.CPULoadThreshold)
}

// availableMemory 系统当前可用内存减去安全保留
func (rm *ResourceMonitor) availableMemory() int64 {
	vmStat, err := mem.VirtualMemory()
	if err != nil {
		return int64(rm.totalMemory) / 2
	}
	return int64(vmStat.Available) - rm.config.SafetyReserveMemory
}
