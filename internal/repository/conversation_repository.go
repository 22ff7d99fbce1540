// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"desk-assist-go/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrChatNotFound 表示会话在数据库中不存在。
var ErrChatNotFound = errors.New("chat not found")

// ConversationRepository 定义了会话与消息历史的持久化操作。
type ConversationRepository interface {
	// AppendMessage 追加一条问答记录，必要时自动创建用户与会话。DedupKey 相同的记录只会写入一次。
	AppendMessage(ctx context.Context, msg *model.Message) error
	// GetRecentMessages 返回会话最近的 limit 条消息，按时间正序排列。
	GetRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	CountMessages(ctx context.Context, chatID string) (int64, error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	MarkClassified(ctx context.Context, chatID string) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// AppendMessage 在一个事务中完成 get-or-create 用户、会话以及写入消息。
func (r *conversationRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := model.User{UserID: msg.UserID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
			return fmt.Errorf("failed to ensure user: %w", err)
		}
		chat := model.Chat{ChatID: msg.ChatID, UserID: msg.UserID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chat).Error; err != nil {
			return fmt.Errorf("failed to ensure chat: %w", err)
		}

		if msg.DedupKey == "" {
			msg.DedupKey = uuid.NewString()
		}
		err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).Create(msg).Error
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	})
}

func (r *conversationRepository) GetRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at desc").Order("message_id desc").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}
	// 查询按时间倒序取最近 N 条，这里翻转为正序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *conversationRepository) CountMessages(ctx context.Context, chatID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("chat_id = ?", chatID).Count(&count).Error
	return count, err
}

func (r *conversationRepository) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// MarkClassified 将会话标记为已分类。
func (r *conversationRepository) MarkClassified(ctx context.Context, chatID string) error {
	res := r.db.WithContext(ctx).Model(&model.Chat{}).Where("chat_id = ?", chatID).Update("labels_and_group", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}
