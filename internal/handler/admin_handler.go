package handler

import (
	"errors"
	"net/http"

	"desk-assist-go/internal/service"
	"desk-assist-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理知识库维护与附件查看等管理操作。
type AdminHandler struct {
	adminService     service.AdminService
	knowledgeService service.KnowledgeService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService, knowledgeService service.KnowledgeService) *AdminHandler {
	return &AdminHandler{adminService: adminService, knowledgeService: knowledgeService}
}

// IndexCaseRequest 是写入一条历史案例的请求体。
type IndexCaseRequest struct {
	CaseID  string `json:"caseId" binding:"required"`
	Content string `json:"content" binding:"required"`
	Label   string `json:"label"`
}

// IndexCase 把一条历史案例写入检索索引。
func (h *AdminHandler) IndexCase(c *gin.Context) {
	var req IndexCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "caseId 与 content 不能为空", "data": nil})
		return
	}
	if err := h.adminService.IndexCase(c.Request.Context(), req.CaseID, req.Content, req.Label); err != nil {
		log.Errorf("[AdminHandler] 写入案例失败, case: %s, error: %v", req.CaseID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "写入案例失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"caseId": req.CaseID}})
}

// SyncLabels 把配置中的标签目录同步到标签索引。
func (h *AdminHandler) SyncLabels(c *gin.Context) {
	n, err := h.adminService.SyncLabels(c.Request.Context())
	if err != nil {
		log.Errorf("[AdminHandler] 同步标签失败, synced: %d, error: %v", n, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "同步标签失败", "data": gin.H{"synced": n}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"synced": n}})
}

// AttachmentURL 为已归档的附件生成临时下载链接。
func (h *AdminHandler) AttachmentURL(c *gin.Context) {
	object := c.Query("object")
	if object == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "object 不能为空", "data": nil})
		return
	}
	url, err := h.adminService.AttachmentURL(c.Request.Context(), object)
	if err != nil {
		log.Errorf("[AdminHandler] 生成附件链接失败, object: %s, error: %v", object, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "生成下载链接失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"url": url}})
}

// ImportDocument 接收 multipart 上传的帮助文档并导入案例索引。
func (h *AdminHandler) ImportDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少文件", "data": nil})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取文件", "data": nil})
		return
	}
	defer file.Close()

	n, err := h.knowledgeService.ImportDocument(c.Request.Context(), fileHeader.Filename, file, c.PostForm("label"))
	if errors.Is(err, service.ErrEmptyDocument) {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "文档中没有可提取的文本", "data": nil})
		return
	}
	if err != nil {
		log.Errorf("[AdminHandler] 导入文档失败, file: %s, error: %v", fileHeader.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "导入文档失败", "data": gin.H{"chunks": n}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"file": fileHeader.Filename, "chunks": n}})
}
