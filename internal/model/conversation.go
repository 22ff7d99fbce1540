// Package model 包含了应用的数据模型定义。
package model

import "time"

// User 对应于数据库中的 users 表，首次持久化消息时自动创建。
type User struct {
	UserID   int64   `gorm:"primaryKey;autoIncrement:false;column:user_id" json:"userId"`
	FullName string  `gorm:"type:varchar(255)" json:"fullName"`
	Email    *string `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Phone    string  `gorm:"type:varchar(50)" json:"phone"`
}

func (User) TableName() string {
	return "users"
}

// Chat 代表客服系统中的一个会话。Classified 只会被置位一次，用于控制一次性的分类阶段。
type Chat struct {
	ChatID     string    `gorm:"type:varchar(64);primaryKey;column:chat_id" json:"chatId"`
	UserID     int64     `gorm:"index;not null;column:user_id" json:"userId"`
	Classified bool      `gorm:"not null;default:false;column:labels_and_group" json:"classified"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Chat) TableName() string {
	return "chats"
}

// Message 代表一轮问答：合并后的用户消息与机器人回复。只追加，按 CreatedAt 排序构成会话历史。
type Message struct {
	MessageID    uint      `gorm:"primaryKey;autoIncrement;column:message_id" json:"messageId"`
	ChatID       string    `gorm:"type:varchar(64);index:idx_chat_created,priority:1;not null" json:"chatId"`
	UserID       int64     `gorm:"not null" json:"userId"`
	Text         string    `gorm:"type:text;column:message" json:"message"`
	Response     string    `gorm:"type:text" json:"response"`
	RetrievedIDs []string  `gorm:"type:text;serializer:json;column:retrieved" json:"retrieved"`
	DedupKey     string    `gorm:"type:varchar(64);uniqueIndex" json:"dedupKey,omitempty"`
	CreatedAt    time.Time `gorm:"index:idx_chat_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}
