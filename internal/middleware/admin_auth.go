package middleware

import (
	"net/http"

	"desk-assist-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware 检查 token 是否具有指定角色。
// 此中间件必须在 AuthMiddleware 之后使用。
func AdminAuthMiddleware(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(ClaimsKey)
		if !exists {
			// AuthMiddleware 未能写入 claims，属于路由配置错误
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
			return
		}
		claims, ok := value.(*token.CustomClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "用户数据类型错误"})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "权限不足，需要管理员权限"})
			return
		}
		c.Next()
	}
}
