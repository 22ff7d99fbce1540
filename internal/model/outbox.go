package model

import "time"

// PendingMessage 是持久化失败后写入 outbox 的消息记录，由 Kafka 消费者负责重放。
type PendingMessage struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
