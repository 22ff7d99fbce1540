package handler

import (
	"errors"
	"net/http"

	"desk-assist-go/internal/service"
	"desk-assist-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理管理员登录。
type AuthHandler struct {
	adminService service.AdminService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(adminService service.AdminService) *AuthHandler {
	return &AuthHandler{adminService: adminService}
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验管理员凭据并返回 access token。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "用户名和密码不能为空", "data": nil})
		return
	}

	tok, err := h.adminService.Login(req.Username, req.Password)
	if errors.Is(err, service.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "用户名或密码错误", "data": nil})
		return
	}
	if err != nil {
		log.Errorf("[AuthHandler] 签发 token 失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "登录失败", "data": nil})
		return
	}

	log.Infof("[AuthHandler] 管理员登录成功, username: %s", req.Username)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"token": tok}})
}
