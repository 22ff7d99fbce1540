package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"desk-assist-go/pkg/log"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
)

// ErrEmptyDocument 表示文档中没有可提取的文本。
var ErrEmptyDocument = errors.New("document has no extractable text")

// KnowledgeService 把帮助文档导入案例索引，供回复流水线检索。
type KnowledgeService interface {
	ImportDocument(ctx context.Context, fileName string, r io.Reader, label string) (int, error)
}

type knowledgeService struct {
	extractor TextExtractor
	indexer   CaseIndexer
}

// NewKnowledgeService 创建一个新的 KnowledgeService 实例。
func NewKnowledgeService(extractor TextExtractor, indexer CaseIndexer) KnowledgeService {
	return &knowledgeService{extractor: extractor, indexer: indexer}
}

// ImportDocument 提取文本、切块并逐块写入案例索引，返回写入的分块数。
// 分块 ID 由文件名与序号决定，重复导入同一文件会覆盖旧分块。
func (s *knowledgeService) ImportDocument(ctx context.Context, fileName string, r io.Reader, label string) (int, error) {
	log.Infof("[KnowledgeService] 开始导入文档, FileName: %s", fileName)

	// 1. 使用 Tika 提取文本
	text, err := s.extractor.ExtractText(ctx, r, fileName)
	if err != nil {
		return 0, fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	if text == "" {
		return 0, ErrEmptyDocument
	}
	log.Infof("[KnowledgeService] 步骤1: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 2. 文本切块
	chunks := splitText(text, chunkSize, chunkOverlap)
	log.Infof("[KnowledgeService] 步骤2: 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 3. 向量化并索引到 ES
	prefix := documentPrefix(fileName)
	for i, chunk := range chunks {
		id := fmt.Sprintf("%s_%d", prefix, i)
		if err := s.indexer.IndexCase(ctx, id, chunk, label); err != nil {
			return i, fmt.Errorf("索引块 %d 到 Elasticsearch 失败: %w", i, err)
		}
	}
	log.Infof("[KnowledgeService] 文档导入完成, FileName: %s, chunks: %d", fileName, len(chunks))
	return len(chunks), nil
}

func documentPrefix(fileName string) string {
	sum := sha256.Sum256([]byte(fileName))
	return "doc_" + hex.EncodeToString(sum[:8])
}

// splitText 将长文本按指定大小和重叠进行切分。
func splitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
