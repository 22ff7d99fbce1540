// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"desk-assist-go/internal/model"
	"desk-assist-go/internal/service"
	"desk-assist-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ChatHandler 接收客服系统推送的用户消息。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// ChatRequest 是客服系统 webhook 的请求体。user_id 可能以数字或字符串形式出现。
type ChatRequest struct {
	ChatID      string      `json:"chat_id" binding:"required"`
	UserID      json.Number `json:"user_id" binding:"required"`
	LastMessage string      `json:"last_message"`
}

// Receive 处理一条入站消息：通常写入防抖缓冲区并立即返回 202。
func (h *ChatHandler) Receive(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[ChatHandler] 无效的请求负载, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	userID, err := req.UserID.Int64()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "user_id 必须为整数", "data": nil})
		return
	}

	res, err := h.chatService.Ingest(c.Request.Context(), model.InboundMessage{
		ChatID:      req.ChatID,
		UserID:      userID,
		LastMessage: req.LastMessage,
		ReceivedAt:  time.Now(),
	})
	if errors.Is(err, service.ErrEmptyMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "消息内容为空", "data": nil})
		return
	}
	if err != nil {
		log.Errorf("[ChatHandler] 处理消息失败, chat: %s, error: %v", req.ChatID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "消息处理失败", "data": nil})
		return
	}

	if res.Buffered {
		c.JSON(http.StatusAccepted, gin.H{
			"code":    http.StatusAccepted,
			"message": "buffered",
			"data":    gin.H{"chatId": req.ChatID, "pending": res.BufferLen},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "processed",
		"data":    gin.H{"chatId": req.ChatID, "response": res.Fallback.Response},
	})
}
