package pipeline

import (
	"context"
	"encoding/json"

	"desk-assist-go/internal/model"
	"desk-assist-go/pkg/llm"
)

// Generator 是生成服务的窄接口，由 llm.Client 实现。
type Generator interface {
	Generate(ctx context.Context, prompt, system string) (llm.Completion, error)
	GenerateJSON(ctx context.Context, prompt, system string) (json.RawMessage, error)
}

// Searcher 是相似度检索服务的窄接口，由 service.SearchService 实现。
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error)
	LabelHints(ctx context.Context, queries []string, limit int) ([]string, error)
}

// ConversationStore 是持久化会话历史的窄接口，由 repository.ConversationRepository 实现。
type ConversationStore interface {
	AppendMessage(ctx context.Context, msg *model.Message) error
	GetRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	CountMessages(ctx context.Context, chatID string) (int64, error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	MarkClassified(ctx context.Context, chatID string) error
}

// Deliverer 是客服系统的窄接口，由 helpdesk.Client 实现。每个操作返回 HTTP 状态码。
type Deliverer interface {
	SendText(ctx context.Context, chatID, text string) (int, error)
	SetRoutingAndLabels(ctx context.Context, chatID string, labels []int, group string) (int, error)
	SummonHuman(ctx context.Context, chatID string, userID int64, note string) (int, error)
}

// Outbox 接收持久化失败的消息记录，稍后异步重放。
type Outbox interface {
	Enqueue(ctx context.Context, msg model.Message) error
}
