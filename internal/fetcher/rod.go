package fetcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// 站点路径常量
const (
	DefaultBaseURL = "http://chinashipbuilding.cn"
	startPath      = "/shipbuilds.aspx"
	signinPath     = "/en/signin.aspx"
	registerPath   = "/en/register.aspx"
)

// RodSession 基于Rod的浏览器会话
// 每个worker持有独立的会话(独立浏览器实例), 登录状态互不干扰
type RodSession struct {
	browser *rod.Browser
	page    *rod.Page
	cfg     models.CrawlConfig
	baseURL string
}

// NewRodSession 启动浏览器并创建会话
func NewRodSession(cfg models.CrawlConfig, baseURL string) (*RodSession, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	l := launcher.New().Headless(cfg.Headless)
	// 站点证书链不完整, 跳过验证
	l = l.Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		browser.MustClose()
		return nil, fmt.Errorf("创建标签页失败(浏览器可能已崩溃): %w", err)
	}

	utils.Debugf("浏览器会话已就绪: %s", controlURL)
	return &RodSession{browser: browser, page: page, cfg: cfg, baseURL: baseURL}, nil
}

// Close 关闭会话
func (s *RodSession) Close() {
	if s.browser != nil {
		s.browser.MustClose()
		utils.Debugf("浏览器会话已关闭")
	}
}

// Open 导航到页面并等待加载
func (s *RodSession) Open(ctx context.Context, url string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic: URL=%s, 错误=%v", url, r)
			err = ErrBrowserCrashed
		}
	}()

	page := s.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("导航失败 [%s]: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("等待页面加载失败 [%s]: %w", url, err)
	}
	// 等待ASP.NET回发内容渲染
	time.Sleep(time.Duration(s.cfg.WaitTime * float64(time.Second)))
	return nil
}

// LoggedIn 检查登录状态: 头部控件图标为logout.jpg表示已登录
func (s *RodSession) LoggedIn(ctx context.Context) (bool, error) {
	result, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			var btn = document.getElementById('content_hrd_web_btn_logon')
				|| document.getElementById('content_hrd_header_btn_logon');
			if (!btn) { return 'missing'; }
			var src = (btn.getAttribute('src') || '').toLowerCase();
			if (src.indexOf('logout') >= 0) { return 'in'; }
			if (src.indexOf('logon') >= 0) { return 'out'; }
			return 'unknown';
		}`,
	})
	if err != nil {
		return false, fmt.Errorf("检查登录状态失败: %w", err)
	}
	return result.Value.Str() == "in", nil
}

// Login 自动登录: 填写登录表单并提交
func (s *RodSession) Login(ctx context.Context, acc models.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic: 登录 %s, 错误=%v", acc.Email, r)
			err = ErrBrowserCrashed
		}
	}()

	if err := s.Open(ctx, s.baseURL+signinPath); err != nil {
		return err
	}

	page := s.page.Context(ctx)
	_, err = page.Evaluate(&rod.EvalOptions{
		JS: `(email, password) => {
			var user = document.getElementById('content_ctl_signin_txt_userid');
			var pass = document.getElementById('content_ctl_signin_txt_password');
			var btn = document.getElementById('content_ctl_signin_btn_logon');
			if (!user || !pass || !btn) { throw new Error('signin form not found'); }
			user.value = email;
			pass.value = password;
			btn.click();
		}`,
		JSArgs: []interface{}{acc.Email, acc.Password},
	})
	if err != nil {
		return fmt.Errorf("提交登录表单失败: %w", err)
	}

	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("登录后等待页面失败: %w", err)
	}
	time.Sleep(time.Duration(s.cfg.WaitTime * float64(time.Second)))

	ok, err := s.LoggedIn(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoginFailed, acc.Email)
	}
	utils.Infof("✅ 登录成功: %s", acc.Email)
	return nil
}

// Logout 登出: 点击头部控件(已登录时该按钮为登出), 失败不致命
func (s *RodSession) Logout(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrBrowserCrashed
		}
	}()

	ok, err := s.LoggedIn(ctx)
	if err != nil || !ok {
		return err
	}

	page := s.page.Context(ctx)
	_, err = page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			var btn = document.getElementById('content_hrd_web_btn_logon')
				|| document.getElementById('content_hrd_header_btn_logon');
			if (btn) { btn.click(); }
		}`,
	})
	if err != nil {
		return fmt.Errorf("点击登出失败: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("登出后等待页面失败: %w", err)
	}
	utils.Debug("已登出当前账号")
	return nil
}

// Fetch 抓取详情页: 解析所有content_tb_*表格, 并检查配额横幅
func (s *RodSession) Fetch(ctx context.Context, url string) (result *FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic: URL=%s, 错误=%v", url, r)
			err = ErrBrowserCrashed
		}
	}()

	if err := s.Open(ctx, url); err != nil {
		return nil, err
	}

	banner, err := s.quotaBanner(ctx)
	if err != nil {
		return nil, err
	}

	tables, err := s.parseTables(ctx, url)
	if err != nil {
		return nil, err
	}

	node := &models.ResultNode{
		URL:    url,
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Tables: tables,
	}
	return &FetchResult{Node: node, QuotaBanner: banner}, nil
}

// quotaBanner 配额限制横幅: vip图片或"limited to 50 records"提示
func (s *RodSession) quotaBanner(ctx context.Context) (bool, error) {
	result, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			if (document.getElementById('content_img_vip')) { return true; }
			var text = (document.body && document.body.innerText || '').toLowerCase();
			return text.indexOf('limited to 50 records') >= 0;
		}`,
	})
	if err != nil {
		return false, fmt.Errorf("检查配额横幅失败: %w", err)
	}
	return result.Value.Bool(), nil
}

// parseTables 提取页面上所有id以content_tb_开头的两列表格
func (s *RodSession) parseTables(ctx context.Context, pageURL string) ([]models.Table, error) {
	result, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			var out = [];
			var tables = document.querySelectorAll('table[id^="content_tb_"]');
			for (var i = 0; i < tables.length; i++) {
				var table = tables[i];
				var rows = [];
				var trs = table.querySelectorAll('tr');
				for (var j = 0; j < trs.length; j++) {
					var tds = trs[j].querySelectorAll('td, th');
					if (tds.length < 1) { continue; }
					var key = (tds[0].innerText || '').trim();
					var valueCell = tds.length > 1 ? tds[1] : tds[0];
					var links = [];
					var anchors = valueCell.querySelectorAll('a[href]');
					for (var k = 0; k < anchors.length; k++) {
						var href = anchors[k].getAttribute('href') || '';
						if (href && href.indexOf('javascript:') !== 0 && href.indexOf('#') !== 0) {
							links.push({
								text: (anchors[k].innerText || '').trim(),
								href: anchors[k].href
							});
						}
					}
					rows.push({
						key: key,
						value_text: tds.length > 1 ? (valueCell.innerText || '').trim() : '',
						value_html: valueCell.innerHTML || '',
						links: links
					});
				}
				out.push({ table_id: table.id, rows: rows });
			}
			return out;
		}`,
	})
	if err != nil {
		return nil, fmt.Errorf("解析表格失败 [%s]: %w", pageURL, err)
	}

	var tables []models.Table
	for _, t := range result.Value.Arr() {
		table := models.Table{TableID: t.Get("table_id").Str()}
		for _, r := range t.Get("rows").Arr() {
			row := models.TableRow{
				Key:       utils.NormText(r.Get("key").Str()),
				ValueText: utils.NormText(r.Get("value_text").Str()),
				ValueHTML: r.Get("value_html").Str(),
			}
			for _, l := range r.Get("links").Arr() {
				row.Links = append(row.Links, models.Link{
					Text: utils.NormText(l.Get("text").Str()),
					Href: l.Get("href").Str(),
				})
			}
			table.Rows = append(table.Rows, row)
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// FetchSisters 抓取详情页上的姊妹船表格(#content_tb_sister)
func (s *RodSession) FetchSisters(ctx context.Context, url string) (rows []models.SisterRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic: URL=%s, 错误=%v", url, r)
			err = ErrBrowserCrashed
		}
	}()

	result, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			var out = [];
			var table = document.getElementById('content_tb_sister');
			if (!table) { return out; }
			var anchors = table.querySelectorAll('a[href]');
			for (var i = 0; i < anchors.length; i++) {
				var href = anchors[i].href || '';
				if (href.toLowerCase().indexOf('ship.aspx') >= 0) {
					out.push({ name: (anchors[i].innerText || '').trim(), url: href });
				}
			}
			return out;
		}`,
	})
	if err != nil {
		return nil, fmt.Errorf("解析姊妹船表格失败 [%s]: %w", url, err)
	}

	for _, r := range result.Value.Arr() {
		rows = append(rows, models.SisterRow{
			Name: utils.NormText(r.Get("name").Str()),
			URL:  r.Get("url").Str(),
		})
	}
	return rows, nil
}

// pagerAnchor 分页块中的一个链接: 数字页码或下一块(">>")
type pagerAnchor struct {
	Text string
	URL  string
}

// CollectPagination 从fleet入口页收集全部分页链接
// 分页器每块只显示约10个页码, 沿">>"链接逐块遍历直到没有新块;
// 数字链接按页码升序返回, 入口页本身作为第1页
func (s *RodSession) CollectPagination(ctx context.Context, url string) (pages []models.PageRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic: URL=%s, 错误=%v", url, r)
			err = ErrBrowserCrashed
		}
	}()

	return walkPaginationBlocks(url, func(blockURL string) ([]pagerAnchor, error) {
		if err := s.Open(ctx, blockURL); err != nil {
			return nil, err
		}
		return s.extractPagerAnchors(ctx, blockURL)
	})
}

// extractPagerAnchors 提取当前页分页器中的所有链接(含">>")
// 优先取#content_lnk_page分页器, 不存在时退回整页数字链接
func (s *RodSession) extractPagerAnchors(ctx context.Context, url string) ([]pagerAnchor, error) {
	result, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			var out = [];
			var root = document.getElementById('content_lnk_page') || document;
			var anchors = root.querySelectorAll('a[href]');
			for (var i = 0; i < anchors.length; i++) {
				var text = (anchors[i].innerText || '').trim();
				var no = parseInt(text, 10);
				if (text === '>>' || (!isNaN(no) && String(no) === text)) {
					out.push({ text: text, url: anchors[i].href });
				}
			}
			return out;
		}`,
	})
	if err != nil {
		return nil, fmt.Errorf("收集分页链接失败 [%s]: %w", url, err)
	}

	var anchors []pagerAnchor
	for _, a := range result.Value.Arr() {
		anchors = append(anchors, pagerAnchor{
			Text: a.Get("text").Str(),
			URL:  a.Get("url").Str(),
		})
	}
	return anchors, nil
}

// walkPaginationBlocks 从入口页开始沿">>"遍历所有分页块, 汇总去重后的页码链接
func walkPaginationBlocks(entryURL string, extract func(url string) ([]pagerAnchor, error)) ([]models.PageRef, error) {
	seenNo := map[int]bool{1: true}
	seenBlocks := map[string]bool{entryURL: true}
	pages := []models.PageRef{{PageNo: 1, URL: entryURL}}

	current := entryURL
	for {
		anchors, err := extract(current)
		if err != nil {
			return nil, err
		}

		nextBlock := ""
		for _, a := range anchors {
			if a.Text == ">>" {
				nextBlock = a.URL
				continue
			}
			no, err := strconv.Atoi(a.Text)
			if err != nil || no < 1 || seenNo[no] {
				continue
			}
			seenNo[no] = true
			pages = append(pages, models.PageRef{PageNo: no, URL: a.URL})
		}

		if nextBlock != "" && !seenBlocks[nextBlock] {
			seenBlocks[nextBlock] = true
			current = nextBlock
			continue
		}
		break
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNo < pages[j].PageNo })
	return pages, nil
}

// CollectPageRows 抓取一页fleet表格的行(第一个content_tb_*表格)
func (s *RodSession) CollectPageRows(ctx context.Context, url string) ([]models.TableRow, error) {
	res, err := s.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(res.Node.Tables) == 0 {
		return nil, nil
	}
	return res.Node.Tables[0].Rows, nil
}

// RegisterAccount 填写并提交注册表单, 返回是否注册成功
func (s *RodSession) RegisterAccount(ctx context.Context, acc models.Account) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic: 注册 %s, 错误=%v", acc.Email, r)
			err = ErrBrowserCrashed
		}
	}()

	if err := s.Open(ctx, s.baseURL+registerPath); err != nil {
		return false, err
	}

	page := s.page.Context(ctx)
	_, err = page.Evaluate(&rod.EvalOptions{
		JS: `(name, email, password, company, role) => {
			var set = function(id, v) {
				var el = document.getElementById(id);
				if (el) { el.value = v; }
			};
			set('content_ctl_register_txt_name', name);
			set('content_ctl_register_txt_email', email);
			set('content_ctl_register_txt_password', password);
			set('content_ctl_register_txt_repassword', password);
			set('content_ctl_register_txt_company', company);
			set('content_ctl_register_txt_tel', String(1000000 + Math.floor(Math.random() * 8999999)));
			var sel = document.getElementById('content_ctl_register_lst_role');
			if (sel) { sel.value = String(role); }
			var btn = document.getElementById('content_ctl_register_btn_submite');
			if (!btn) { throw new Error('register form not found'); }
			btn.click();
		}`,
		JSArgs: []interface{}{acc.FullName, acc.Email, acc.Password, acc.Company, acc.RoleValue},
	})
	if err != nil {
		return false, fmt.Errorf("提交注册表单失败: %w", err)
	}

	if err := page.WaitLoad(); err != nil {
		return false, fmt.Errorf("注册后等待页面失败: %w", err)
	}
	time.Sleep(time.Duration(s.cfg.WaitTime * float64(time.Second)))

	// 站点的成功文案偶有拼写变体, 两种都接受
	result, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			var el = document.getElementById('content_lbAct');
			return el ? (el.innerText || '').toLowerCase() : '';
		}`,
	})
	if err != nil {
		return false, fmt.Errorf("检查注册结果失败: %w", err)
	}
	text := result.Value.Str()
	thanks := strings.Contains(text, "thanks for registration") ||
		strings.Contains(text, "thanks for registeration")
	logon := strings.Contains(text, "logon") || strings.Contains(text, "login") ||
		strings.Contains(text, "log on")
	return thanks && logon, nil
}

// StartURL 登录入口页地址
func (s *RodSession) StartURL() string {
	return s.baseURL + startPath
}

// SigninURL 登录表单页地址
func (s *RodSession) SigninURL() string {
	return s.baseURL + signinPath
}

// LoginURL 拼接站点的登录表单页地址
func LoginURL(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + signinPath
}

// EntryURL 拼接站点的订单簿入口页地址
func EntryURL(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + startPath
}
