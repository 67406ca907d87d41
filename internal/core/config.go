package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Crawl    models.CrawlConfig `mapstructure:"crawl"`
	Site     SiteConfig         `mapstructure:"site"`
	Paths    PathsConfig        `mapstructure:"paths"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Resource ResourceConfig     `mapstructure:"resource"`
}

// SiteConfig 目标站点配置
type SiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// PathsConfig 文件路径配置
type PathsConfig struct {
	OutputDir      string `mapstructure:"output_dir"`      // 节点存储目录
	AccountsFile   string `mapstructure:"accounts_file"`   // 账号文件
	CursorFile     string `mapstructure:"cursor_file"`     // 主游标文件
	SeedsFile      string `mapstructure:"seeds_file"`      // 默认种子文件
	DiscoveredFile string `mapstructure:"discovered_file"` // 姊妹船发现日志
	ProgressFile   string `mapstructure:"progress_file"`   // fleet进度文件
	FleetDir       string `mapstructure:"fleet_dir"`       // fleet页面行文件目录
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// ResourceConfig 资源限制配置
type ResourceConfig struct {
	SafetyReserveMB  int `mapstructure:"safety_reserve_mb"`  // 安全保留内存(MB)
	CPULoadThreshold int `mapstructure:"cpu_load_threshold"` // CPU负载阈值(%)
	MaxSessions      int `mapstructure:"max_sessions"`       // 绝对最大浏览器会话数
	SessionMemoryMB  int `mapstructure:"session_memory_mb"`  // 单会话内存估算(MB)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".shipregcrawl"))
		}
	}

	v.SetEnvPrefix("SHIPREGCRAWL")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 采集配置默认值
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.wait_time", 0.2)
	v.SetDefault("crawl.min_tables", 6)
	v.SetDefault("crawl.batch_every", 50)
	v.SetDefault("crawl.thin_retries", 2)
	v.SetDefault("crawl.retry_delay", 1.5)
	v.SetDefault("crawl.thin_policy", "rotate")
	v.SetDefault("crawl.manual_login", false)
	v.SetDefault("crawl.first_login_wait", 60)
	v.SetDefault("crawl.relogin_wait", 40)
	v.SetDefault("crawl.max_items", 0)
	v.SetDefault("crawl.base_index", 0)
	v.SetDefault("crawl.headless", true)
	v.SetDefault("crawl.rebuild_index", false)

	// 站点默认值
	v.SetDefault("site.base_url", "http://chinashipbuilding.cn")

	// 路径默认值
	v.SetDefault("paths.output_dir", "output/orderbook")
	v.SetDefault("paths.accounts_file", "shipbuilding_accounts.json")
	v.SetDefault("paths.cursor_file", "account_cursor.json")
	v.SetDefault("paths.seeds_file", "seeds.txt")
	v.SetDefault("paths.discovered_file", "sisters_discovered.txt")
	v.SetDefault("paths.progress_file", "fleet_progress.json")
	v.SetDefault("paths.fleet_dir", "output/fleet")

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	// 资源限制默认值
	v.SetDefault("resource.safety_reserve_mb", 1024)
	v.SetDefault("resource.cpu_load_threshold", 85)
	v.SetDefault("resource.max_sessions", 16)
	v.SetDefault("resource.session_memory_mb", 500)
}

// GetCrawlConfig 从配置中提取采集配置
func (c *Config) GetCrawlConfig() models.CrawlConfig {
	return c.Crawl
}
