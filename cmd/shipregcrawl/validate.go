package main

import (
	"fmt"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

// ValidateURL 验证URL格式
func ValidateURL(urlStr string) error {
	return models.ValidateURL(urlStr)
}

// ValidateFlags 验证命令行标志
func ValidateFlags(taskName, entryURL string, registerCount int, crawl models.CrawlConfig) error {
	// 验证任务类型
	validTasks := map[models.TaskKind]bool{
		models.TaskShipDetails:  true,
		models.TaskSisterCrawl:  true,
		models.TaskFleetIndex:   true,
		models.TaskCollectLinks: true,
		models.TaskRegister:     true,
		models.TaskAggregate:    true,
	}
	if !validTasks[models.TaskKind(taskName)] {
		return fmt.Errorf("无效的任务类型: %s (有效值: ship-details, sister-crawl, fleet-index, collect-links, register, aggregate)", taskName)
	}

	// 验证入口URL
	if entryURL != "" {
		if err := ValidateURL(entryURL); err != nil {
			return fmt.Errorf("无效的入口URL: %w", err)
		}
	}

	// 验证注册数量
	if models.TaskKind(taskName) == models.TaskRegister {
		if registerCount < 1 || registerCount > 500 {
			return fmt.Errorf("注册数量必须在1-500之间,当前值: %d", registerCount)
		}
	}

	// 验证采集配置
	if err := crawl.Validate(); err != nil {
		return err
	}
	return nil
}
