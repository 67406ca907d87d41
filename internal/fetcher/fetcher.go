package fetcher

import (
	"context"
	"errors"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
)

// 错误类型定义
var (
	ErrBrowserCrashed = errors.New("浏览器崩溃")
	ErrLoginFailed    = errors.New("登录失败")
	ErrNotLoggedIn    = errors.New("当前未登录")
)

// FetchResult 一次抓取的结果: 解析出的节点 + 页面的配额状态
type FetchResult struct {
	Node        *models.ResultNode
	QuotaBanner bool // 页面出现配额限制横幅(需轮换账号后重抓同一URL)
}

// Fetcher 船舶详情抓取接口
type Fetcher interface {
	// Fetch 抓取并解析一个详情页
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// SisterFetcher 姊妹船表格抓取接口
type SisterFetcher interface {
	// FetchSisters 抓取详情页上的姊妹船列表
	FetchSisters(ctx context.Context, url string) ([]models.SisterRow, error)
}

// FleetFetcher fleet分页表格抓取接口
type FleetFetcher interface {
	// CollectPagination 从fleet入口页收集分页链接
	CollectPagination(ctx context.Context, url string) ([]models.PageRef, error)
	// CollectPageRows 抓取一页fleet表格的行
	CollectPageRows(ctx context.Context, url string) ([]models.TableRow, error)
}

// Session 登录会话管理接口
type Session interface {
	// Login 用账号自动登录
	Login(ctx context.Context, acc models.Account) error
	// Logout 登出(尽力而为)
	Logout(ctx context.Context) error
	// LoggedIn 检查登录状态(头部控件图标)
	LoggedIn(ctx context.Context) (bool, error)
	// Open 打开指定页面(人工登录模式使用)
	Open(ctx context.Context, url string) error
	// Close 关闭会话
	Close()
}

// BrowserSession 调度器需要的完整会话能力
type BrowserSession interface {
	Session
	Fetcher
	SisterFetcher
	FleetFetcher
}

// SessionFactory 每个worker创建自己的会话
type SessionFactory func() (BrowserSession, error)

// Registrar 账号注册接口
type Registrar interface {
	// RegisterAccount 填写并提交注册表单, 返回是否注册成功
	RegisterAccount(ctx context.Context, acc models.Account) (bool, error)
	// Close 关闭会话
	Close()
}

// RegistrarFactory 创建注册用会话
type RegistrarFactory func() (Registrar, error)
