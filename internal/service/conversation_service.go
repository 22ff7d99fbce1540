package service

import (
	"context"
	"sort"
	"time"

	"desk-assist-go/internal/model"
	"desk-assist-go/internal/repository"
)

// ChatHistory 是管理端查看的一个会话及其最近的问答记录。
type ChatHistory struct {
	Chat     *model.Chat     `json:"chat"`
	Messages []model.Message `json:"messages"`
}

// PendingBuffer 描述一个尚未排空的防抖缓冲区。
type PendingBuffer struct {
	ChatID    string          `json:"chatId"`
	ExpiresAt model.LocalTime `json:"expiresAt"`
	Length    int64           `json:"length"`
	Expired   bool            `json:"expired"`
}

// ConversationService 定义了管理端查询会话与缓冲状态的接口。
type ConversationService interface {
	GetHistory(ctx context.Context, chatID string, limit int) (*ChatHistory, error)
	ListPendingBuffers(ctx context.Context) ([]PendingBuffer, error)
}

type conversationService struct {
	repo   repository.ConversationRepository
	buffer repository.BufferRepository
	now    func() time.Time
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository, buffer repository.BufferRepository) ConversationService {
	return &conversationService{repo: repo, buffer: buffer, now: time.Now}
}

// GetHistory 返回会话信息与按时间正序排列的最近 limit 条记录。
func (s *conversationService) GetHistory(ctx context.Context, chatID string, limit int) (*ChatHistory, error) {
	chat, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.repo.GetRecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	return &ChatHistory{Chat: chat, Messages: messages}, nil
}

// ListPendingBuffers 列出所有存在截止时间的会话，按截止时间升序。
func (s *conversationService) ListPendingBuffers(ctx context.Context) ([]PendingBuffer, error) {
	deadlines, err := s.buffer.Deadlines(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].ExpiresAt.Before(deadlines[j].ExpiresAt) })

	now := s.now()
	pending := make([]PendingBuffer, 0, len(deadlines))
	for _, d := range deadlines {
		n, err := s.buffer.Len(ctx, d.ChatID)
		if err != nil {
			return nil, err
		}
		pending = append(pending, PendingBuffer{
			ChatID:    d.ChatID,
			ExpiresAt: model.LocalTime(d.ExpiresAt),
			Length:    n,
			Expired:   d.Expired(now),
		})
	}
	return pending, nil
}
