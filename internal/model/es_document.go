// Package model 定义了与 Elasticsearch 交互的文档结构。
package model

// SearchHit 是相似度检索返回的一条上下文片段。
type SearchHit struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// CaseDocument 是存储在案例索引中的历史工单片段。
type CaseDocument struct {
	CaseID  string    `json:"case_id"`
	Content string    `json:"content"`
	Label   string    `json:"label,omitempty"`
	Vector  []float32 `json:"vector"`
}

// LabelDocument 是存储在标签索引中的一条标签样例，用于给分类阶段提供候选标签。
type LabelDocument struct {
	LabelID int       `json:"label_id"`
	Name    string    `json:"name"`
	Example string    `json:"example"`
	Vector  []float32 `json:"vector"`
}
