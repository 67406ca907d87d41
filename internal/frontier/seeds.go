package frontier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/store"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// seedEntry 种子文件里一个条目的宽松结构, 兼容多个历史字段名
type seedEntry struct {
	URL    string `json:"url"`
	Link   string `json:"link"`
	Href   string `json:"href"`
	Origin string `json:"origin"`
	Yard   string `json:"origin_yard"`
	YardAl string `json:"yard"`
}

func (e *seedEntry) url() string {
	for _, u := range []string{e.URL, e.Link, e.Href} {
		if strings.TrimSpace(u) != "" {
			return u
		}
	}
	return ""
}

func (e *seedEntry) origin() string {
	for _, o := range []string{e.Yard, e.Origin, e.YardAl} {
		if strings.TrimSpace(o) != "" {
			return strings.TrimSpace(o)
		}
	}
	return ""
}

// LoadSeeds 从多个种子源加载并合并待抓条目
// 支持: JSON数组(字符串或对象) / NDJSON / 纯文本(每行 url 或 url|origin);
// 已保存的节点文件也可作种子源(从value_html中挖掘ship.aspx链接)。
// 按规范化URL去重, 首次出现者胜出(其来源信息保留)。
func LoadSeeds(sources []string) ([]models.WorkItem, error) {
	var items []models.WorkItem
	seen := make(map[string]bool)

	add := func(rawURL, origin string) {
		canon := utils.CanonicalURL(rawURL)
		if canon == "" || seen[canon] {
			return
		}
		seen[canon] = true
		items = append(items, models.WorkItem{URL: canon, OriginYard: origin})
	}

	for _, src := range sources {
		loaded, err := loadSeedFile(src, add)
		if err != nil {
			return nil, fmt.Errorf("加载种子源 %s 失败: %w", src, err)
		}
		utils.Infof("📥 种子源 %s: 解析 %d 条", src, loaded)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("所有种子源合并后没有有效条目")
	}
	utils.Infof("📊 种子合并完成: %d 条唯一条目", len(items))
	return items, nil
}

func loadSeedFile(path string, add func(url, origin string)) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}

	switch {
	case strings.HasPrefix(trimmed, "["):
		return loadJSONArray(trimmed, add)
	case strings.HasPrefix(trimmed, "{"):
		// 单对象: 可能是NDJSON, 也可能是已保存的结果节点
		return loadObjectLines(path, trimmed, add)
	default:
		return loadTxtLines(trimmed, add), nil
	}
}

func loadJSONArray(content string, add func(url, origin string)) (int, error) {
	var rawItems []json.RawMessage
	if err := json.Unmarshal([]byte(content), &rawItems); err != nil {
		return 0, fmt.Errorf("解析种子JSON数组失败: %w", err)
	}

	count := 0
	for _, raw := range rawItems {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			add(s, "")
			count++
			continue
		}
		var e seedEntry
		if err := json.Unmarshal(raw, &e); err == nil && e.url() != "" {
			add(e.url(), e.origin())
			count++
		}
	}
	return count, nil
}

// loadObjectLines 处理以{开头的文件: 优先按已保存节点解析(挖掘value_html中的链接),
// 否则按NDJSON逐行解析
func loadObjectLines(path, content string, add func(url, origin string)) (int, error) {
	var node models.ResultNode
	if err := json.Unmarshal([]byte(content), &node); err == nil && len(node.Tables) > 0 {
		return mineNodeLinks(&node, add), nil
	}

	count := 0
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e seedEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			utils.Warnf("跳过无法解析的种子行 (%s): %s", path, line)
			continue
		}
		if e.url() != "" {
			add(e.url(), e.origin())
			count++
		}
	}
	return count, scanner.Err()
}

// mineNodeLinks 从已保存节点的单元格中挖掘船舶详情链接(二次播种)
func mineNodeLinks(node *models.ResultNode, add func(url, origin string)) int {
	count := 0
	emit := func(href string) {
		if strings.Contains(strings.ToLower(href), "ship.aspx") {
			add(href, node.OriginYard)
			count++
		}
	}
	for _, table := range node.Tables {
		for _, row := range table.Rows {
			for _, link := range row.Links {
				emit(link.Href)
			}
			if len(row.Links) == 0 && row.ValueHTML != "" {
				anchors, err := utils.ExtractAnchors(row.ValueHTML, node.URL)
				if err != nil {
					continue
				}
				for _, a := range anchors {
					emit(a.Href)
				}
			}
		}
	}
	return count
}

func loadTxtLines(content string, add func(url, origin string)) int {
	count := 0
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		origin := ""
		if i := strings.Index(line, "|"); i > 0 {
			origin = strings.TrimSpace(line[i+1:])
			line = strings.TrimSpace(line[:i])
		}
		add(line, origin)
		count++
	}
	return count
}

// Pending 过滤掉节点已存在的条目
// 每次运行都基于磁盘现状重新计算, 这是断点续传的正确性来源
func Pending(items []models.WorkItem, ns *store.NodeStore) []models.WorkItem {
	var out []models.WorkItem
	for _, item := range items {
		if ns.Exists(item.URL) {
			continue
		}
		out = append(out, item)
	}
	utils.Infof("📊 待抓取: %d / %d (其余已完成)", len(out), len(items))
	return out
}
