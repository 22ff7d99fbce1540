// Package model 包含了应用的数据模型定义。
package model

import "time"

// BufferedMessage 是防抖缓冲区中的一条待处理消息片段，以 JSON 形式存放在 Redis 列表中。
type BufferedMessage struct {
	ChatID     string    `json:"chat_id"`
	UserID     int64     `json:"user_id"`
	Text       string    `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DebounceDeadline 表示某个会话的防抖截止时间。
type DebounceDeadline struct {
	ChatID    string
	ExpiresAt time.Time
}

// Expired 判断截止时间在 now 时刻是否已到。
func (d DebounceDeadline) Expired(now time.Time) bool {
	return !d.ExpiresAt.After(now)
}

// InboundMessage 是客服系统推送过来的一条原始消息。
type InboundMessage struct {
	ChatID      string
	UserID      int64
	LastMessage string
	ReceivedAt  time.Time
}
