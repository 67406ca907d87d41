package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/accounts"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/fetcher"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// 注册表单的随机身份素材
var (
	firstNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael", "Linda",
		"David", "Elizabeth", "William", "Barbara", "Richard", "Susan", "Joseph", "Jessica",
		"Thomas", "Sarah", "Charles", "Karen", "Daniel", "Nancy", "Matthew", "Lisa",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis",
		"Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez", "Wilson", "Anderson",
		"Thomas", "Taylor", "Moore", "Jackson", "Martin", "Lee", "Perez", "Thompson",
	}
	companyWords = []string{
		"Pacific", "Atlantic", "Orient", "Harbor", "Anchor", "Compass", "Horizon",
		"Meridian", "Trident", "Neptune", "Cascade", "Summit", "Beacon", "Crown",
	}
	companySuffixes = []string{
		"Shipping", "Marine", "Maritime", "Logistics", "Trading", "Lines", "Carriers",
	}
	emailDomains = []string{
		"gmail.com", "outlook.com", "yahoo.com", "hotmail.com", "mail.com", "gmx.com",
	}
	passwordChars = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// 注册表单的会员角色及其下拉值
	memberRoles = []struct {
		Name  string
		Value int
	}{
		{"Ship Owner", 40},
		{"Ship Yard", 30},
		{"Broker", 20},
		{"Equipment Supplier", 25},
	}
)

// Registrator 批量注册账号
// 每个账号随机生成身份信息, 注册成功后立即追加持久化(JSONL + 快照 + 明文凭据),
// 进程中断已注册的账号也不会丢失。
type Registrator struct {
	cfg     *Config
	factory fetcher.RegistrarFactory

	// 保护账号输出文件
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRegistrator 创建批量注册器
func NewRegistrator(cfg *Config, factory fetcher.RegistrarFactory) *Registrator {
	return &Registrator{
		cfg:     cfg,
		factory: factory,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run 注册count个账号
func (rg *Registrator) Run(ctx context.Context, count int) (models.RunStats, error) {
	stats := models.RunStats{Assigned: count}
	start := time.Now()

	if count <= 0 {
		return stats, fmt.Errorf("注册数量必须大于0")
	}
	if err := os.MkdirAll(filepath.Dir(rg.cfg.Paths.AccountsFile), 0755); err != nil {
		return stats, fmt.Errorf("创建账号目录失败: %w", err)
	}

	session, err := rg.factory()
	if err != nil {
		return stats, err
	}
	defer func() {
		if session != nil {
			session.Close()
		}
	}()

	utils.Infof("🚀 批量注册启动: 目标 %d 个账号", count)
	bar := utils.NewProgressBar(count, "注册账号")

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start).Seconds()
			return stats, ctx.Err()
		default:
		}

		acc := rg.randomAccount()
		ok, err := rg.registerWithRetry(ctx, &session, acc)
		if err != nil {
			utils.Errorf("❌ 注册失败: %s (%v)", acc.Email, err)
			stats.Errors++
		} else if !ok {
			utils.Warnf("注册被站点拒绝: %s", acc.Email)
			stats.Errors++
		} else {
			if err := rg.persist(acc); err != nil {
				stats.Duration = time.Since(start).Seconds()
				return stats, err
			}
			utils.Infof("✅ 注册成功: %s (%s)", acc.Email, acc.Role)
			stats.Saved++
		}
		_ = bar.Add(1)

		rg.randSleep(0.8, 2.2)
	}

	if err := rg.writeSnapshot(); err != nil {
		utils.Warnf("写账号快照失败: %v", err)
	}

	stats.Duration = time.Since(start).Seconds()
	utils.Infof("✅ 批量注册完成: 成功=%d 失败=%d 耗时=%.1fs",
		stats.Saved, stats.Errors, stats.Duration)
	return stats, nil
}

// registerWithRetry 提交注册, 浏览器崩溃时重建会话后退避重试
func (rg *Registrator) registerWithRetry(ctx context.Context, session *fetcher.Registrar,
	acc models.Account) (bool, error) {

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ok, err := (*session).RegisterAccount(ctx, acc)
		if err == nil {
			return ok, nil
		}
		lastErr = err

		if err == fetcher.ErrBrowserCrashed {
			utils.Warnf("浏览器崩溃, 重建会话后重试 (%d/%d)", attempt, maxAttempts)
			(*session).Close()
			fresh, ferr := rg.factory()
			if ferr != nil {
				return false, ferr
			}
			*session = fresh
		}

		backoff := 1.5*float64(attempt) + rg.rng.Float64()
		time.Sleep(time.Duration(backoff * float64(time.Second)))
	}
	return false, lastErr
}

// randomAccount 生成一个随机身份账号
func (rg *Registrator) randomAccount() models.Account {
	first := firstNames[rg.rng.Intn(len(firstNames))]
	last := lastNames[rg.rng.Intn(len(lastNames))]
	role := memberRoles[rg.rng.Intn(len(memberRoles))]

	salt := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	local := fmt.Sprintf("%s.%s%s", strings.ToLower(first), strings.ToLower(last), salt)
	email := local + "@" + emailDomains[rg.rng.Intn(len(emailDomains))]

	pw := make([]byte, 10)
	for i := range pw {
		pw[i] = passwordChars[rg.rng.Intn(len(passwordChars))]
	}

	company := fmt.Sprintf("%s %s Co.",
		companyWords[rg.rng.Intn(len(companyWords))],
		companySuffixes[rg.rng.Intn(len(companySuffixes))])

	return models.Account{
		Email:     email,
		Password:  string(pw),
		FullName:  first + " " + last,
		Company:   company,
		Role:      role.Name,
		RoleValue: role.Value,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// persist 注册成功立即追加: 账号JSONL + 明文凭据txt
func (rg *Registrator) persist(acc models.Account) error {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if err := rg.normalizeToNDJSON(); err != nil {
		return err
	}

	line, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("序列化账号失败: %w", err)
	}
	if err := appendLine(rg.cfg.Paths.AccountsFile, string(line)); err != nil {
		return fmt.Errorf("追加账号文件失败: %w", err)
	}

	credsPath := credentialsPath(rg.cfg.Paths.AccountsFile)
	if err := appendLine(credsPath, acc.Email+":"+acc.Password); err != nil {
		return fmt.Errorf("追加凭据文件失败: %w", err)
	}
	return nil
}

// normalizeToNDJSON 账号文件若是JSON数组则改写成逐行JSON, 之后才能安全追加
func (rg *Registrator) normalizeToNDJSON() error {
	data, err := os.ReadFile(rg.cfg.Paths.AccountsFile)
	if err != nil || len(data) == 0 {
		return nil
	}
	if data[0] != '[' {
		return nil
	}

	all, err := accounts.LoadAccounts(rg.cfg.Paths.AccountsFile)
	if err != nil {
		return fmt.Errorf("改写账号文件失败: %w", err)
	}
	var buf strings.Builder
	for _, acc := range all {
		line, err := json.Marshal(acc)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return utils.WriteFileAtomic(rg.cfg.Paths.AccountsFile, []byte(buf.String()), 0644)
}

// writeSnapshot 汇总整个账号文件为去重后的JSON数组快照
func (rg *Registrator) writeSnapshot() error {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	all, err := accounts.LoadAccounts(rg.cfg.Paths.AccountsFile)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(snapshotPath(rg.cfg.Paths.AccountsFile), data, 0644)
}

func (rg *Registrator) randSleep(minSec, maxSec float64) {
	d := minSec + rg.rng.Float64()*(maxSec-minSec)
	time.Sleep(time.Duration(d * float64(time.Second)))
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

func credentialsPath(accountsFile string) string {
	return trimJSONExt(accountsFile) + "_credentials.txt"
}

func snapshotPath(accountsFile string) string {
	return trimJSONExt(accountsFile) + "_snapshot.json"
}

func trimJSONExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}
