// Package storage 提供了与对象存储服务（如 MinIO）交互的功能，用于归档用户发送的附件。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	// 1. 初始化 MinIO 客户端
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶是否存在，不存在则创建
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := MinioClient.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}
	if exists {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
		return
	}
	log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
	if err := MinioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
		log.Fatal("创建 MinIO 存储桶失败", err)
	}
	log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
}

// Archive 把附件写入单个存储桶。
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive 创建一个新的 Archive 实例。
func NewArchive(client *minio.Client, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// Store 上传一个对象并返回 bucket/object 形式的位置。
func (a *Archive) Store(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", objectName, err)
	}
	return a.bucket + "/" + objectName, nil
}

// PresignedURL 为已归档的对象生成一个临时下载链接。
func (a *Archive) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", objectName, err)
	}
	return u.String(), nil
}
