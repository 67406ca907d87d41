package models

// Link 表格单元格中的一个超链接, href已解析为绝对地址
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// TableRow 详情表格的一行(两列: 字段名/字段值)
type TableRow struct {
	Key       string `json:"key"`
	ValueText string `json:"value_text"`
	ValueHTML string `json:"value_html,omitempty"`
	Links     []Link `json:"links,omitempty"`
}

// Table 页面上的一个详情表格
type Table struct {
	TableID string     `json:"table_id"`
	Rows    []TableRow `json:"rows"`
}

// ResultNode 一艘船的完整抓取结果, 按规范化URL内容寻址存储
type ResultNode struct {
	URL        string            `json:"url"`
	TS         float64           `json:"ts"`
	Tables     []Table           `json:"tables"`
	OriginYard string            `json:"origin_yard,omitempty"` // 通过姊妹船递归发现时的来源船厂
	Meta       map[string]string `json:"meta,omitempty"`
}

// TableCount 表格数量, 用于瘦结果判定
func (n *ResultNode) TableCount() int {
	return len(n.Tables)
}

// RowCount 所有表格的总行数
func (n *ResultNode) RowCount() int {
	total := 0
	for _, t := range n.Tables {
		total += len(t.Rows)
	}
	return total
}

// ErrorMarker 抓取失败标记, 与节点文件同目录共存, 不阻止后续重抓
type ErrorMarker struct {
	URL   string  `json:"url"`
	Error string  `json:"error"`
	TS    float64 `json:"ts"`
}

// SkipMarker 瘦结果跳过标记
type SkipMarker struct {
	URL    string            `json:"url"`
	Reason string            `json:"reason"`
	TS     float64           `json:"ts"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// SisterRow 姊妹船表格中的一行
type SisterRow struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
