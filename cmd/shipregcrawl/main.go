package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/core"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/frontier"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	// HTTP头部参数(静态种子收集)
	headers        []string
	validateConfig bool

	// 任务选择
	taskName string

	// 采集参数
	workers      int
	waitTime     float64
	minTables    int
	batchEvery   int
	thinRetries  int
	retryDelay   float64
	thinPolicy   string
	manualLogin  bool
	loginWait    int
	reloginWait  int
	maxItems     int
	baseIndex    int
	rebuildIndex bool
	headless     bool

	// 路径参数
	accountsFile string
	seedsFile    string
	outputDir    string
	entryURL     string

	// 注册参数
	registerCount int
)

var rootCmd = &cobra.Command{
	Use:   "shipregcrawl",
	Short: "船舶登记数据采集工具",
	Long: `ShipRegCrawl - 船舶登记站点的断点续传并行采集工具 (Go版本)

支持的任务类型 (--task):
  • ship-details  抓取种子列表中的船舶详情页(默认)
  • sister-crawl  从已有结果递归发现并抓取姊妹船
  • fleet-index   分页抓取订单簿机队列表
  • collect-links 静态收集船舶详情页种子链接
  • register      批量注册站点账号
  • aggregate     把逐船结果汇总成单一数据集

账号轮换:
  每个worker独占账号游标, 配额横幅/瘦结果/批次阈值三类触发自动轮换,
  游标持久化在账号文件旁, 中断重跑从上次的账号继续。

示例:
  shipregcrawl --task collect-links -u http://chinashipbuilding.cn/shipbuilds.aspx
  shipregcrawl --task ship-details -f seeds.txt --workers 4
  shipregcrawl --task register --count 20

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		logConfig := utils.LogConfig{
			Level:      config.Logging.Level,
			LogDir:     config.Logging.LogDir,
			MaxSize:    config.Logging.Rotation.MaxSize,
			MaxBackups: config.Logging.Rotation.MaxBackups,
			MaxAge:     config.Logging.Rotation.MaxAge,
			Compress:   config.Logging.Rotation.Compress,
		}

		// 命令行参数覆盖配置文件
		if logLevel != "" {
			logConfig.Level = logLevel
		}

		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}
		return nil
	},
	RunE: runTask,
}

// runTask 加载配置、应用命令行覆盖并分发任务
func runTask(cmd *cobra.Command, args []string) error {
	appConfig, err := core.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	applyFlagOverrides(cmd, appConfig)

	headerManager, err := core.NewHeaderManager("", headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}

	// 仅验证头部配置
	if validateConfig {
		utils.Info("🔍 验证HTTP头部配置...")
		if err := headerManager.LoadConfig(); err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		if err := headerManager.Validate(); err != nil {
			return fmt.Errorf("配置验证失败: %w", err)
		}
		safeHeaders := headerManager.GetSafeHeaders()
		utils.Info("✅ 配置验证通过!")
		utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
		for name, value := range safeHeaders {
			utils.Infof("  %s: %s", name, value)
		}
		return nil
	}

	if err := ValidateFlags(taskName, entryURL, registerCount, appConfig.Crawl); err != nil {
		return err
	}

	// 信号处理: Ctrl+C置停止标志, 再次Ctrl+C强制退出
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
		cancel()
		<-sigChan
		utils.Warn("再次收到中断信号, 强制退出")
		os.Exit(1)
	}()

	kind := models.TaskKind(taskName)
	task, err := models.NewRunTask(kind, appConfig.Crawl)
	if err != nil {
		return fmt.Errorf("创建运行记录失败: %w", err)
	}
	task.Start()

	stats, runErr := dispatch(ctx, kind, appConfig, headerManager)
	task.Stats = stats
	task.Finish(runErr)

	reporter := utils.NewReporter(appConfig.Paths.OutputDir)
	if err := reporter.SaveRunReport(task); err != nil {
		utils.Warnf("保存运行报告失败: %v", err)
	}

	if runErr != nil {
		return runErr
	}
	printSummary(kind, stats)
	utils.Info("✨ 任务完成!")
	return nil
}

// dispatch 按任务类型组装依赖并执行
func dispatch(ctx context.Context, kind models.TaskKind, cfg *core.Config, hm *core.HeaderManager) (models.RunStats, error) {
	switch kind {
	case models.TaskShipDetails:
		return runShipDetails(ctx, cfg)
	case models.TaskSisterCrawl:
		return runSisterCrawl(ctx, cfg)
	case models.TaskFleetIndex:
		return runFleetIndex(ctx, cfg)
	case models.TaskCollectLinks:
		return runCollectLinks(cfg, hm)
	case models.TaskRegister:
		return runRegister(ctx, cfg)
	case models.TaskAggregate:
		return runAggregate(cfg)
	default:
		return models.RunStats{}, fmt.Errorf("未知任务类型: %s", kind)
	}
}

// sessionFactory 每个worker一个独立浏览器会话
func sessionFactory(cfg *core.Config) fetcher.SessionFactory {
	return func() (fetcher.BrowserSession, error) {
		return fetcher.NewRodSession(cfg.Crawl, cfg.Site.BaseURL)
	}
}

// newMonitor 按配置创建资源监控器
func newMonitor(cfg *core.Config) *fetcher.ResourceMonitor {
	mc := fetcher.DefaultResourceMonitorConfig()
	if cfg.Resource.SafetyReserveMB > 0 {
		mc.SafetyReserveMemory = int64(cfg.Resource.SafetyReserveMB) * 1024 * 1024
	}
	if cfg.Resource.CPULoadThreshold > 0 {
		mc.CPULoadThreshold = cfg.Resource.CPULoadThreshold
	}
	if cfg.Resource.MaxSessions > 0 {
		mc.MaxSessionsLimit = cfg.Resource.MaxSessions
	}
	if cfg.Resource.SessionMemoryMB > 0 {
		mc.SessionMemoryUsage = int64(cfg.Resource.SessionMemoryMB) * 1024 * 1024
	}
	return fetcher.NewResourceMonitor(mc)
}

func runShipDetails(ctx context.Context, cfg *core.Config) (models.RunStats, error) {
	ns, err := store.NewNodeStore(cfg.Paths.OutputDir)
	if err != nil {
		return models.RunStats{}, err
	}

	seeds, err := frontier.LoadSeeds([]string{cfg.Paths.SeedsFile})
	if err != nil {
		return models.RunStats{}, fmt.Errorf("加载种子失败: %w", err)
	}
	pending := frontier.Pending(seeds, ns)
	utils.Infof("种子 %d 条, 其中待抓 %d 条", len(seeds), len(pending))

	sched := core.NewScheduler(cfg, ns, sessionFactory(cfg), newMonitor(cfg))
	go func() {
		<-ctx.Done()
		sched.RequestStop()
	}()
	return sched.Run(ctx, pending)
}

func runSisterCrawl(ctx context.Context, cfg *core.Config) (models.RunStats, error) {
	ns, err := store.NewNodeStore(cfg.Paths.OutputDir)
	if err != nil {
		return models.RunStats{}, err
	}
	discovered, err := frontier.OpenDiscoveredLog(cfg.Paths.DiscoveredFile, ns)
	if err != nil {
		return models.RunStats{}, fmt.Errorf("打开发现日志失败: %w", err)
	}

	// 种子 = 已落盘节点里挖出的船舶链接 + 种子文件(如果有)
	sources, err := ns.ListNodeFiles()
	if err != nil {
		return models.RunStats{}, err
	}
	if _, statErr := os.Stat(cfg.Paths.SeedsFile); statErr == nil {
		sources = append(sources, cfg.Paths.SeedsFile)
	}
	seeds, err := frontier.LoadSeeds(sources)
	if err != nil {
		return models.RunStats{}, fmt.Errorf("加载种子失败: %w", err)
	}

	sc := core.NewSisterCrawler(cfg, ns, discovered, sessionFactory(cfg), newMonitor(cfg))
	go func() {
		<-ctx.Done()
		sc.RequestStop()
	}()
	return sc.Run(ctx, seeds)
}

func runFleetIndex(ctx context.Context, cfg *core.Config) (models.RunStats, error) {
	ps := store.NewProgressStore(cfg.Paths.ProgressFile)
	fr := core.NewFleetRunner(cfg, ps, sessionFactory(cfg), newMonitor(cfg))
	go func() {
		<-ctx.Done()
		fr.RequestStop()
	}()
	return fr.Run(ctx)
}

func runCollectLinks(cfg *core.Config, hm *core.HeaderManager) (models.RunStats, error) {
	start := entryURL
	if start == "" {
		start = fetcher.EntryURL(cfg.Site.BaseURL)
	}

	lc := fetcher.NewLinkCollector(cfg.Crawl, hm)
	items, err := lc.Collect([]string{start})
	if err != nil {
		return models.RunStats{}, err
	}

	var sb strings.Builder
	for _, item := range items {
		if item.OriginYard != "" {
			fmt.Fprintf(&sb, "%s|%s\n", item.URL, item.OriginYard)
		} else {
			sb.WriteString(item.URL + "\n")
		}
	}
	if err := utils.WriteFileAtomic(cfg.Paths.SeedsFile, []byte(sb.String()), 0644); err != nil {
		return models.RunStats{}, fmt.Errorf("写种子文件失败: %w", err)
	}
	utils.Infof("✅ 种子文件已生成: %s (%d 条)", cfg.Paths.SeedsFile, len(items))
	return models.RunStats{Discovered: len(items), Saved: len(items)}, nil
}

func runRegister(ctx context.Context, cfg *core.Config) (models.RunStats, error) {
	factory := func() (fetcher.Registrar, error) {
		return fetcher.NewRodSession(cfg.Crawl, cfg.Site.BaseURL)
	}
	rg := core.NewRegistrator(cfg, factory)
	return rg.Run(ctx, registerCount)
}

func runAggregate(cfg *core.Config) (models.RunStats, error) {
	ns, err := store.NewNodeStore(cfg.Paths.OutputDir)
	if err != nil {
		return models.RunStats{}, err
	}
	agg := core.NewAggregator(ns, cfg.Paths.OutputDir)
	return agg.Run()
}

// applyFlagOverrides 显式传入的命令行参数覆盖配置文件
func applyFlagOverrides(cmd *cobra.Command, cfg *core.Config) {
	f := cmd.Flags()
	if f.Changed("workers") {
		cfg.Crawl.Workers = workers
	}
	if f.Changed("wait") {
		cfg.Crawl.WaitTime = waitTime
	}
	if f.Changed("min-tables") {
		cfg.Crawl.MinTables = minTables
	}
	if f.Changed("batch-every") {
		cfg.Crawl.BatchEvery = batchEvery
	}
	if f.Changed("thin-retries") {
		cfg.Crawl.ThinRetries = thinRetries
	}
	if f.Changed("retry-delay") {
		cfg.Crawl.RetryDelay = retryDelay
	}
	if f.Changed("thin-policy") {
		cfg.Crawl.ThinPolicy = models.ThinPolicy(thinPolicy)
	}
	if f.Changed("manual-login") {
		cfg.Crawl.ManualLogin = manualLogin
	}
	if f.Changed("login-wait") {
		cfg.Crawl.FirstLoginWait = loginWait
	}
	if f.Changed("relogin-wait") {
		cfg.Crawl.ReloginWait = reloginWait
	}
	if f.Changed("max-items") {
		cfg.Crawl.MaxItems = maxItems
	}
	if f.Changed("base-index") {
		cfg.Crawl.BaseIndex = baseIndex
	}
	if f.Changed("rebuild-index") {
		cfg.Crawl.RebuildIndex = rebuildIndex
	}
	if f.Changed("headless") {
		cfg.Crawl.Headless = headless
	}
	if f.Changed("accounts") {
		cfg.Paths.AccountsFile = accountsFile
	}
	if f.Changed("seeds") {
		cfg.Paths.SeedsFile = seedsFile
	}
	if f.Changed("output") {
		cfg.Paths.OutputDir = outputDir
	}
}

// printSummary 任务结束后打印统计
func printSummary(kind models.TaskKind, stats models.RunStats) {
	fmt.Println("\n==================================================")
	fmt.Printf("📊 任务统计 (%s)\n", kind)
	fmt.Println("==================================================")
	fmt.Printf("✅ 分配条目: %d\n", stats.Assigned)
	fmt.Printf("✅ 成功保存: %d\n", stats.Saved)
	fmt.Printf("❌ 错误标记: %d\n", stats.Errors)
	fmt.Printf("⏭️  跳过标记: %d\n", stats.Skipped)
	fmt.Printf("🔄 账号轮换: %d\n", stats.Rotations)
	fmt.Printf("🔗 新发现: %d\n", stats.Discovered)
	fmt.Printf("⏱️  总耗时: %.2f秒\n", stats.Duration)
	fmt.Println("==================================================")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ShipRegCrawl %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
		fmt.Println("Go实现版本 - 船舶登记数据采集工具")
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")

	// HTTP头部参数
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "静态收集的自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.PersistentFlags().BoolVar(&validateConfig, "validate-config", false, "验证HTTP头部配置文件正确性")

	// 任务选择
	rootCmd.Flags().StringVarP(&taskName, "task", "t", string(models.TaskShipDetails),
		"任务类型 (ship-details|sister-crawl|fleet-index|collect-links|register|aggregate)")

	// 采集参数
	rootCmd.Flags().IntVar(&workers, "workers", 4, "并发worker数 (1-64)")
	rootCmd.Flags().Float64VarP(&waitTime, "wait", "w", 0.2, "页面加载后等待时间(秒)")
	rootCmd.Flags().IntVar(&minTables, "min-tables", 6, "瘦结果判定的最小表格数")
	rootCmd.Flags().IntVar(&batchEvery, "batch-every", 50, "每个账号保存多少条后主动轮换")
	rootCmd.Flags().IntVar(&thinRetries, "thin-retries", 2, "瘦结果原地重试次数")
	rootCmd.Flags().Float64Var(&retryDelay, "retry-delay", 1.5, "瘦结果重试间隔(秒)")
	rootCmd.Flags().StringVar(&thinPolicy, "thin-policy", "rotate", "瘦结果策略 (rotate|skip|stop)")
	rootCmd.Flags().BoolVar(&manualLogin, "manual-login", false, "人工登录模式(打开登录页倒计时等待)")
	rootCmd.Flags().IntVar(&loginWait, "login-wait", 60, "首次人工登录等待(秒)")
	rootCmd.Flags().IntVar(&reloginWait, "relogin-wait", 40, "轮换后人工登录等待(秒)")
	rootCmd.Flags().IntVar(&maxItems, "max-items", 0, "最多分配条目数, 0为不限(调试用)")
	rootCmd.Flags().IntVar(&baseIndex, "base-index", 0, "worker游标播种的基准下标")
	rootCmd.Flags().BoolVar(&rebuildIndex, "rebuild-index", false, "强制重建fleet分页索引")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "无头浏览器模式")

	// 路径参数
	rootCmd.Flags().StringVar(&accountsFile, "accounts", "", "账号文件路径(JSON/NDJSON/文本)")
	rootCmd.Flags().StringVarP(&seedsFile, "seeds", "f", "", "种子文件路径")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "输出目录")
	rootCmd.Flags().StringVarP(&entryURL, "url", "u", "", "collect-links的入口页URL")

	// 注册参数
	rootCmd.Flags().IntVar(&registerCount, "count", 10, "register任务的注册数量")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
