package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"desk-assist-go/internal/model"
	"desk-assist-go/internal/repository"
	"desk-assist-go/pkg/kafka"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/metrics"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// OutboxService 在 MySQL 写入失败时把消息记录发布到 Kafka，并由消费者重放。
// 它同时实现 pipeline.Outbox 与 kafka.Processor。
type OutboxService struct {
	writer kafka.Writer
	repo   repository.ConversationRepository
	now    func() time.Time
}

// NewOutboxService 创建一个新的 OutboxService 实例。
func NewOutboxService(writer kafka.Writer, repo repository.ConversationRepository) *OutboxService {
	return &OutboxService{writer: writer, repo: repo, now: time.Now}
}

// Enqueue 发布一条待重放的消息记录。分区键使用去重键，同一批次的重放落在同一分区。
func (s *OutboxService) Enqueue(ctx context.Context, msg model.Message) error {
	pending := model.PendingMessage{
		ID:         uuid.NewString(),
		Message:    msg,
		EnqueuedAt: s.now(),
	}
	key := msg.DedupKey
	if key == "" {
		key = pending.ID
	}
	if err := kafka.PublishJSON(ctx, s.writer, key, pending); err != nil {
		metrics.OutboxEvents.WithLabelValues("publish_error").Inc()
		return err
	}
	metrics.OutboxEvents.WithLabelValues("published").Inc()
	log.Warnf("[OutboxService] 消息已写入 outbox 等待重放, chat: %s, id: %s", msg.ChatID, pending.ID)
	return nil
}

// Process 重放一条 outbox 记录。写入按去重键幂等，重复投递不会产生重复行。
func (s *OutboxService) Process(ctx context.Context, m kafkago.Message) error {
	var pending model.PendingMessage
	if err := json.Unmarshal(m.Value, &pending); err != nil {
		metrics.OutboxEvents.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: %v", kafka.ErrMalformed, err)
	}
	if pending.Message.ChatID == "" {
		metrics.OutboxEvents.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: missing chat id", kafka.ErrMalformed)
	}

	if err := s.repo.AppendMessage(ctx, &pending.Message); err != nil {
		metrics.OutboxEvents.WithLabelValues("replay_error").Inc()
		return fmt.Errorf("failed to replay message %s: %w", pending.ID, err)
	}
	metrics.OutboxEvents.WithLabelValues("replayed").Inc()
	log.Infof("[OutboxService] outbox 消息重放成功, chat: %s, id: %s", pending.Message.ChatID, pending.ID)
	return nil
}
