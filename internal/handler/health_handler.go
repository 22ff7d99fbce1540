package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck 检查一个依赖是否可用。
type HealthCheck func(ctx context.Context) error

// HealthHandler 汇总各依赖的健康状态。
type HealthHandler struct {
	checks map[string]HealthCheck
}

// NewHealthHandler 创建一个新的 HealthHandler。
func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Healthz 任一依赖不可用时返回 503。
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	report := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	c.JSON(status, gin.H{"code": status, "message": http.StatusText(status), "data": report})
}
