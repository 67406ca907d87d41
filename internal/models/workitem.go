package models

// WorkItem 表示待抓取的一个条目
// 用途:
//   - 播种阶段从多个种子源合并而来, 按规范化URL去重
//   - 在worker间按轮转分片分发, 或在递归发现时经channel传递
type WorkItem struct {
	// URL 规范化后的完整URL
	URL string

	// OriginYard 发现此船的来源船厂(递归姊妹船发现时填写)
	OriginYard string

	// Meta 附加来源信息(如fleet页码), 原样写入结果节点
	Meta map[string]string
}
