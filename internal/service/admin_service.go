package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/token"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials 表示管理员用户名或密码错误。
var ErrInvalidCredentials = errors.New("invalid credentials")

// AdminRole 是管理员 token 中的角色。
const AdminRole = "ADMIN"

// AttachmentLinker 为已归档的附件生成临时下载链接，由 storage.Archive 实现。
type AttachmentLinker interface {
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// CaseIndexer 向检索索引写入案例与标签，由 SearchService 实现。
type CaseIndexer interface {
	IndexCase(ctx context.Context, caseID, content, label string) error
	IndexLabel(ctx context.Context, labelID int, name, example string) error
}

// AdminService 接口定义了管理员相关的业务操作。
type AdminService interface {
	Login(username, password string) (string, error)
	AttachmentURL(ctx context.Context, objectName string) (string, error)
	IndexCase(ctx context.Context, id, text, label string) error
	SyncLabels(ctx context.Context) (int, error)
}

type adminService struct {
	cfg        config.AdminConfig
	labels     []config.LabelConfig
	jwtManager *token.JWTManager
	linker     AttachmentLinker
	indexer    CaseIndexer
}

// NewAdminService 创建一个新的 AdminService 实例。linker 为 nil 时附件链接不可用。
func NewAdminService(cfg config.AdminConfig, labels []config.LabelConfig, jwtManager *token.JWTManager, linker AttachmentLinker, indexer CaseIndexer) AdminService {
	return &adminService{cfg: cfg, labels: labels, jwtManager: jwtManager, linker: linker, indexer: indexer}
}

// Login 校验配置中的管理员凭据并签发 token。
func (s *adminService) Login(username, password string) (string, error) {
	if s.cfg.Username == "" || s.cfg.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(password))
	if !userOK || passErr != nil {
		log.Warnf("[AdminService] 管理员登录失败, username: %s", username)
		return "", ErrInvalidCredentials
	}
	return s.jwtManager.GenerateToken(username, AdminRole)
}

// AttachmentURL 返回一个 15 分钟内有效的附件下载链接。
func (s *adminService) AttachmentURL(ctx context.Context, objectName string) (string, error) {
	if s.linker == nil {
		return "", errors.New("attachment archive is not configured")
	}
	return s.linker.PresignedURL(ctx, objectName, 15*time.Minute)
}

// IndexCase 写入一条可供检索的历史案例。
func (s *adminService) IndexCase(ctx context.Context, id, text, label string) error {
	return s.indexer.IndexCase(ctx, id, text, label)
}

// SyncLabels 把配置中的标签目录写入标签索引，返回写入数量。
func (s *adminService) SyncLabels(ctx context.Context) (int, error) {
	for i, l := range s.labels {
		if err := s.indexer.IndexLabel(ctx, l.ID, l.Name, ""); err != nil {
			return i, fmt.Errorf("failed to index label %d: %w", l.ID, err)
		}
	}
	log.Infof("[AdminService] 标签目录已同步到检索索引, count: %d", len(s.labels))
	return len(s.labels), nil
}
