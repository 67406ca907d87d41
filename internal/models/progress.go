package models

// DoneEntry fleet进度文件中一个已完成页面的记录
type DoneEntry struct {
	URL  string  `json:"url"`
	Rows int     `json:"rows"`
	TS   float64 `json:"ts"`
}

// PageRef fleet分页索引中的一项
type PageRef struct {
	PageNo int    `json:"page_no"`
	URL    string `json:"url"`
}

// ProgressMeta 进度文件的元信息(分页索引)
type ProgressMeta struct {
	Index []PageRef `json:"index"`
}

// ProgressIndex fleet分页采集的进度文件结构
// done键为页码字符串, 只增不减; meta.index为一次性构建的分页索引
type ProgressIndex struct {
	Done map[string]DoneEntry `json:"done"`
	Meta ProgressMeta         `json:"meta"`
}

// FleetPage 一页机队列表的落盘内容
type FleetPage struct {
	PageNo int        `json:"page_no"`
	URL    string     `json:"url"`
	Rows   []TableRow `json:"rows"`
	TS     float64    `json:"ts"`
}

// NewProgressIndex 空进度结构
func NewProgressIndex() *ProgressIndex {
	return &ProgressIndex{
		Done: make(map[string]DoneEntry),
		Meta: ProgressMeta{Index: []PageRef{}},
	}
}
