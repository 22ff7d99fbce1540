package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"desk-assist-go/pkg/log"

	"github.com/google/uuid"
)

// ContentKind 是入站消息的内容类型。
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindAudio    ContentKind = "audio"
	KindDocument ContentKind = "document"
)

const maxAttachmentBytes = 20 << 20

var (
	urlPattern = regexp.MustCompile(`https?://\S+`)

	imageExts    = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}
	audioExts    = []string{".mp3", ".mpeg", ".wav", ".ogg", ".m4a", ".opus"}
	documentExts = []string{".pdf", ".doc", ".docx", ".txt"}
)

// MediaDescriber 把图片与音频附件转换为文本，由 llm.Client 实现。
type MediaDescriber interface {
	DescribeImage(ctx context.Context, imageURL string) (string, error)
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

// TextExtractor 从文档中提取纯文本，由 tika.Client 实现。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// Archiver 归档附件原件，由 storage.Archive 实现。
type Archiver interface {
	Store(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

// NormalizerService 把入站消息（文本或附件链接）转换为纯文本。
type NormalizerService interface {
	Normalize(ctx context.Context, chatID, raw string) (string, error)
}

type normalizerService struct {
	marker     string
	media      MediaDescriber
	extractor  TextExtractor
	archiver   Archiver
	httpClient *http.Client
}

// NewNormalizerService 创建一个新的 NormalizerService。archiver 可以为 nil，此时不归档附件。
func NewNormalizerService(marker string, media MediaDescriber, extractor TextExtractor, archiver Archiver) NormalizerService {
	return &normalizerService{
		marker:     marker,
		media:      media,
		extractor:  extractor,
		archiver:   archiver,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// classifyAttachment 返回消息中第一个附件链接及其类型；没有附件时返回 KindText。
func classifyAttachment(raw, marker string) (ContentKind, string) {
	for _, u := range urlPattern.FindAllString(raw, -1) {
		if !strings.Contains(u, marker) {
			continue
		}
		ext := strings.ToLower(path.Ext(attachmentPath(u)))
		switch {
		case hasExt(ext, imageExts):
			return KindImage, u
		case hasExt(ext, audioExts):
			return KindAudio, u
		case hasExt(ext, documentExts):
			return KindDocument, u
		default:
			return KindText, ""
		}
	}
	return KindText, ""
}

func attachmentPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}

func hasExt(ext string, exts []string) bool {
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Normalize 返回可以写入缓冲区的文本。附件被替换为其描述、转写或提取出的文本。
func (s *normalizerService) Normalize(ctx context.Context, chatID, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	kind, link := classifyAttachment(raw, s.marker)
	if kind == KindText {
		return raw, nil
	}

	var (
		text string
		err  error
	)
	switch kind {
	case KindImage:
		s.archive(ctx, chatID, link)
		text, err = s.media.DescribeImage(ctx, link)
	case KindAudio:
		s.archive(ctx, chatID, link)
		text, err = s.media.Transcribe(ctx, link)
	case KindDocument:
		text, err = s.extractDocument(ctx, chatID, link)
	}
	if err != nil {
		return "", fmt.Errorf("failed to normalize %s attachment: %w", kind, err)
	}

	log.Infof("[NormalizerService] 附件已转换为文本, chat: %s, kind: %s, length: %d", chatID, kind, len(text))
	return strings.TrimSpace(strings.Replace(raw, link, strings.TrimSpace(text), 1)), nil
}

func (s *normalizerService) extractDocument(ctx context.Context, chatID, link string) (string, error) {
	data, contentType, err := s.download(ctx, link)
	if err != nil {
		return "", err
	}
	s.store(ctx, chatID, link, data, contentType)
	return s.extractor.ExtractText(ctx, bytes.NewReader(data), path.Base(attachmentPath(link)))
}

// archive 下载并归档图片或音频附件，失败只记录日志。
func (s *normalizerService) archive(ctx context.Context, chatID, link string) {
	if s.archiver == nil {
		return
	}
	data, contentType, err := s.download(ctx, link)
	if err != nil {
		log.Warnf("[NormalizerService] 下载附件失败, 跳过归档, chat: %s, error: %v", chatID, err)
		return
	}
	s.store(ctx, chatID, link, data, contentType)
}

func (s *normalizerService) store(ctx context.Context, chatID, link string, data []byte, contentType string) {
	if s.archiver == nil {
		return
	}
	object := fmt.Sprintf("attachments/%s/%s%s", chatID, uuid.NewString(), strings.ToLower(path.Ext(attachmentPath(link))))
	if _, err := s.archiver.Store(ctx, object, data, contentType); err != nil {
		log.Warnf("[NormalizerService] 归档附件失败, chat: %s, error: %v", chatID, err)
	}
}

func (s *normalizerService) download(ctx context.Context, link string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("attachment download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(attachmentPath(link)))
	}
	return data, contentType, nil
}
