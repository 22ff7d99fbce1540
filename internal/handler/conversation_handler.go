package handler

import (
	"errors"
	"net/http"
	"strconv"

	"desk-assist-go/internal/repository"
	"desk-assist-go/internal/service"
	"desk-assist-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ConversationHandler 处理管理端的会话与缓冲区查询。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetMessages 返回一个会话最近的问答记录，limit 默认 50。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "limit 必须介于 1 与 500 之间", "data": nil})
			return
		}
		limit = n
	}

	history, err := h.service.GetHistory(c.Request.Context(), c.Param("chatId"), limit)
	if errors.Is(err, repository.ErrChatNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
		return
	}
	if err != nil {
		log.Errorf("[ConversationHandler] 查询会话历史失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to retrieve conversation history", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": history})
}

// ListBuffers 返回所有尚未排空的防抖缓冲区。
func (h *ConversationHandler) ListBuffers(c *gin.Context) {
	pending, err := h.service.ListPendingBuffers(c.Request.Context())
	if err != nil {
		log.Errorf("[ConversationHandler] 查询缓冲区失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to list buffers", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": pending})
}
