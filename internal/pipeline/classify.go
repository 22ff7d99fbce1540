package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"desk-assist-go/internal/config"
)

// ErrInvalidClassification 表示模型返回的分类结果无法解析或不在可选范围内。
var ErrInvalidClassification = errors.New("invalid classification result")

// Classification 是分类阶段的结构化输出。
type Classification struct {
	Labels []int
	Group  string
}

type rawClassification struct {
	Labels []json.RawMessage `json:"labels"`
	Group  json.RawMessage   `json:"group"`
}

// Catalog 是可用标签与路由分组的集合。
type Catalog struct {
	Labels    []config.LabelConfig
	SuccessID string
	SupportID string
}

// parseClassification 解析并校验模型输出：未知标签被丢弃，分组必须是两个候选之一。
// 模型有时返回分组的名字 ("Success_ID") 而不是 ID，这里一并接受。
func parseClassification(raw json.RawMessage, catalog Catalog) (Classification, error) {
	var rc rawClassification
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrInvalidClassification, err)
	}

	group, err := scalarString(rc.Group)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: group: %v", ErrInvalidClassification, err)
	}
	switch group {
	case catalog.SuccessID, "Success_ID":
		group = catalog.SuccessID
	case catalog.SupportID, "Support_ID":
		group = catalog.SupportID
	default:
		return Classification{}, fmt.Errorf("%w: unknown group %q", ErrInvalidClassification, group)
	}
	if group == "" {
		return Classification{}, fmt.Errorf("%w: empty group", ErrInvalidClassification)
	}

	known := make(map[int]struct{}, len(catalog.Labels))
	for _, l := range catalog.Labels {
		known[l.ID] = struct{}{}
	}
	seen := make(map[int]struct{})
	labels := make([]int, 0, len(rc.Labels))
	for _, item := range rc.Labels {
		s, err := scalarString(item)
		if err != nil {
			continue
		}
		id, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		labels = append(labels, id)
	}
	return Classification{Labels: labels, Group: group}, nil
}

// scalarString 接受 JSON 字符串或数字。
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

type escalationResult struct {
	ResponseRequired *bool `json:"response_required"`
}

func parseEscalation(raw json.RawMessage) (bool, error) {
	var r escalationResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return false, fmt.Errorf("malformed escalation result: %w", err)
	}
	if r.ResponseRequired == nil {
		return false, errors.New("escalation result missing response_required")
	}
	return *r.ResponseRequired, nil
}

// pricingPhrases 按整词（或整词组）匹配。
var pricingPhrases = []string{
	"цена", "цены", "цену", "цене", "ценой", "сколько стоит", "сколько стоят", "прайс", "пакет услуг",
	"баға", "бағасы", "құны", "құнын",
	"price", "prices", "pricing", "cost", "costs", "tariff", "tariffs", "subscription",
}

// pricingStems 只要求词首对齐，覆盖俄语的词形变化。
var pricingStems = []string{"стоимост", "тариф", "прайслист"}

// mentionsPricing 判断用户是否在询问价格或套餐，这类问题总是转人工。
func mentionsPricing(query string) bool {
	padded := paddedWords(query)
	for _, p := range pricingPhrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	for _, stem := range pricingStems {
		if strings.Contains(padded, " "+stem) {
			return true
		}
	}
	return false
}
