package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
)

// LinkCollector 静态种子收集器(使用Colly)
// 无需登录的列表/船厂页面用静态抓取收集ship.aspx链接, 比浏览器便宜得多
type LinkCollector struct {
	collector      *colly.Collector
	headerProvider models.HeaderProvider

	mu    sync.Mutex
	found map[string]models.WorkItem // 规范化URL -> 条目
	pages int
}

// NewLinkCollector 创建静态种子收集器
// headerProvider可为nil, 此时请求不附加自定义头部
func NewLinkCollector(cfg models.CrawlConfig, headerProvider models.HeaderProvider) *LinkCollector {
	// 站点证书链不完整, 跳过验证
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		},
		Timeout: 30 * time.Second,
	}

	c := colly.NewCollector(
		colly.Async(true),
	)
	c.SetClient(httpClient)
	c.WithTransport(httpClient.Transport)
	c.SetRequestTimeout(30 * time.Second)

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: workers,
		Delay:       0,
	}); err != nil {
		utils.Warnf("设置并发限制失败: %v", err)
	}

	lc := &LinkCollector{
		collector:      c,
		headerProvider: headerProvider,
		found:          make(map[string]models.WorkItem),
	}
	lc.setupCallbacks()
	return lc
}

// setupCallbacks 设置Colly回调
func (lc *LinkCollector) setupCallbacks() {
	lc.collector.OnRequest(func(r *colly.Request) {
		if lc.headerProvider == nil {
			return
		}
		headers, err := lc.headerProvider.GetHeaders()
		if err != nil {
			utils.Warnf("获取HTTP头部失败, 使用默认头部: %v", err)
			return
		}
		for name, values := range headers {
			if len(values) > 0 {
				r.Headers.Set(name, values[0])
			}
		}
	})

	lc.collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || !strings.HasPrefix(link, "http") {
			return
		}
		if !strings.Contains(strings.ToLower(link), "ship.aspx") {
			return
		}

		canon := utils.CanonicalURL(link)
		if canon == "" {
			return
		}

		lc.mu.Lock()
		if _, exists := lc.found[canon]; !exists {
			lc.found[canon] = models.WorkItem{
				URL:        canon,
				OriginYard: utils.NormText(e.Text),
			}
		}
		lc.mu.Unlock()
	})

	lc.collector.OnResponse(func(r *colly.Response) {
		// 压缩响应解码后回写, 让OnHTML拿到可解析的明文
		contentEncoding := r.Headers.Get("Content-Encoding")
		if contentEncoding != "" {
			decoded, err := decodeBody(contentEncoding, r.Body)
			if err != nil {
				utils.Warnf("解压响应失败 [%s] (编码=%s): %v", r.Request.URL, contentEncoding, err)
			} else {
				r.Body = decoded
			}
		}

		lc.mu.Lock()
		lc.pages++
		lc.mu.Unlock()
		utils.Debugf("已抓取列表页: %s (%d bytes)", r.Request.URL, len(r.Body))
	})

	lc.collector.OnError(func(r *colly.Response, err error) {
		utils.Warnf("列表页抓取失败 [%s]: %v", r.Request.URL, err)
	})
}

// Collect 抓取所有起始页并收集ship.aspx链接
func (lc *LinkCollector) Collect(startURLs []string) ([]models.WorkItem, error) {
	utils.Infof("🚀 静态种子收集启动: %d 个起始页", len(startURLs))

	visited := 0
	for _, u := range startURLs {
		if err := utils.ValidateURL(u); err != nil {
			utils.Warnf("跳过无效起始页: %s (%v)", u, err)
			continue
		}
		if err := lc.collector.Visit(u); err != nil {
			utils.Warnf("访问起始页失败 [%s]: %v", u, err)
			continue
		}
		visited++
	}
	if visited == 0 {
		return nil, fmt.Errorf("没有可访问的起始页")
	}

	lc.collector.Wait()

	lc.mu.Lock()
	defer lc.mu.Unlock()

	items := make([]models.WorkItem, 0, len(lc.found))
	for _, item := range lc.found {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].URL < items[j].URL })

	utils.Infof("✅ 静态种子收集完成: %d 个列表页, %d 个唯一链接", lc.pages, len(items))
	return items, nil
}

// decodeBody 根据Content-Encoding解码响应体
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip读取失败: %w", err)
		}
		return decoded, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return decoded, nil

	case "br":
		reader := brotli.NewReader(bytes.NewReader(body))
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decoded, nil

	case "":
		return body, nil

	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
