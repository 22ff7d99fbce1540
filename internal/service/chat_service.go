// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"desk-assist-go/internal/model"
	"desk-assist-go/internal/pipeline"
	"desk-assist-go/internal/repository"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/metrics"
)

// ErrEmptyMessage 表示入站消息在归一化后没有任何文本。
var ErrEmptyMessage = errors.New("message is empty")

// BatchProcessor 运行回复流水线，由 pipeline.Pipeline 实现。
type BatchProcessor interface {
	Run(ctx context.Context, batch []model.BufferedMessage) pipeline.Result
}

// IngestResult 描述一条入站消息的去向。
type IngestResult struct {
	// Buffered 为 true 时消息已进入防抖缓冲区，BufferLen 是追加后的长度。
	Buffered  bool
	BufferLen int64
	// Fallback 在缓冲区不可用、消息被同步处理时非空。
	Fallback *pipeline.Result
}

// ChatService 定义了接收客服系统消息的接口。
type ChatService interface {
	Ingest(ctx context.Context, in model.InboundMessage) (IngestResult, error)
}

type chatService struct {
	normalizer NormalizerService
	buffer     repository.BufferRepository
	processor  BatchProcessor
	now        func() time.Time
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(normalizer NormalizerService, buffer repository.BufferRepository, processor BatchProcessor) ChatService {
	return &chatService{
		normalizer: normalizer,
		buffer:     buffer,
		processor:  processor,
		now:        time.Now,
	}
}

// Ingest 归一化消息并写入防抖缓冲区。缓冲区不可用时退化为立即处理这一条消息。
func (s *chatService) Ingest(ctx context.Context, in model.InboundMessage) (IngestResult, error) {
	// 1. 附件转换为文本；失败时保留原文，避免丢失消息
	text, err := s.normalizer.Normalize(ctx, in.ChatID, in.LastMessage)
	if err != nil {
		log.Warnf("[ChatService] 消息归一化失败, 使用原文, chat: %s, error: %v", in.ChatID, err)
		text = strings.TrimSpace(in.LastMessage)
	}
	if text == "" {
		return IngestResult{}, ErrEmptyMessage
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	msg := model.BufferedMessage{
		ChatID:     in.ChatID,
		UserID:     in.UserID,
		Text:       text,
		EnqueuedAt: receivedAt,
	}

	// 2. 写入缓冲区，由扫描任务在静默窗口结束后统一处理
	n, err := s.buffer.Append(ctx, msg)
	if err == nil {
		metrics.BufferAppends.WithLabelValues("ok").Inc()
		log.Infof("[ChatService] 消息已缓冲, chat: %s, pending: %d", in.ChatID, n)
		return IngestResult{Buffered: true, BufferLen: n}, nil
	}
	metrics.BufferAppends.WithLabelValues("error").Inc()
	log.Errorf("[ChatService] 写入缓冲区失败, 改为同步处理, chat: %s, error: %v", in.ChatID, err)

	// 3. 同步兜底：不经过防抖直接运行流水线
	metrics.BufferAppends.WithLabelValues("fallback").Inc()
	result := s.processor.Run(ctx, []model.BufferedMessage{msg})
	if !result.Success {
		return IngestResult{Fallback: &result}, result.Err()
	}
	return IngestResult{Fallback: &result}, nil
}
