// Package service 提供了业务逻辑层的实现。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"desk-assist-go/internal/model"
	"desk-assist-go/pkg/embedding"
	"desk-assist-go/pkg/es"
	"desk-assist-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"golang.org/x/sync/errgroup"
)

// labelHintConcurrency 是并发检索标签提示时的最大并发数。
const labelHintConcurrency = 4

// SearchService 接口定义了相似度检索与知识库写入操作。
type SearchService interface {
	// Search 在案例索引中检索与 query 最相似的 limit 条片段。
	Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error)
	// LabelHints 对每条 query 检索标签索引，返回去重后的 "id: name" 候选列表。
	LabelHints(ctx context.Context, queries []string, limit int) ([]string, error)
	IndexCase(ctx context.Context, caseID, content, label string) error
	IndexLabel(ctx context.Context, labelID int, name, example string) error
}

type searchService struct {
	embeddingClient embedding.Client
	esClient        *elasticsearch.Client
	caseIndex       string
	labelIndex      string
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embeddingClient embedding.Client, esClient *elasticsearch.Client, caseIndex, labelIndex string) SearchService {
	return &searchService{
		embeddingClient: embeddingClient,
		esClient:        esClient,
		caseIndex:       caseIndex,
		labelIndex:      labelIndex,
	}
}

// Search 执行 kNN + BM25 混合检索。
func (s *searchService) Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error) {
	log.Infof("[SearchService] 开始检索上下文, query_len: %d, limit: %d", len(query), limit)

	// 1. 向量化查询
	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	// 2. 构建混合查询：kNN 负责语义召回，match 作为关键词补充
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              limit,
			"num_candidates": limit * 20,
		},
		"query": map[string]interface{}{
			"match": map[string]interface{}{
				"content": map[string]interface{}{
					"query": query,
					"boost": 0.2,
				},
			},
		},
		"_source": []string{"case_id", "content", "label"},
		"size":    limit,
	}

	// 3. 执行搜索并解析
	var hits []struct {
		ID     string             `json:"_id"`
		Score  float64            `json:"_score"`
		Source model.CaseDocument `json:"_source"`
	}
	if err := s.search(ctx, s.caseIndex, esQuery, &hits); err != nil {
		return nil, err
	}

	results := make([]model.SearchHit, 0, len(hits))
	for _, hit := range hits {
		id := hit.Source.CaseID
		if id == "" {
			id = hit.ID
		}
		results = append(results, model.SearchHit{
			ID:    id,
			Text:  hit.Source.Content,
			Label: hit.Source.Label,
			Score: hit.Score,
		})
	}
	log.Infof("[SearchService] 检索完成, 返回 %d 条结果", len(results))
	return results, nil
}

func (s *searchService) LabelHints(ctx context.Context, queries []string, limit int) ([]string, error) {
	perQuery := make([][]string, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(labelHintConcurrency)
	for i, q := range queries {
		i, q := i, q
		if strings.TrimSpace(q) == "" {
			continue
		}
		g.Go(func() error {
			labels, err := s.searchLabels(gctx, q, limit)
			if err != nil {
				return err
			}
			perQuery[i] = labels
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 按 query 顺序合并并去重
	seen := make(map[string]struct{})
	var hints []string
	for _, labels := range perQuery {
		for _, l := range labels {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			hints = append(hints, l)
		}
	}
	return hints, nil
}

func (s *searchService) searchLabels(ctx context.Context, query string, limit int) ([]string, error) {
	vector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create label query embedding: %w", err)
	}
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              limit,
			"num_candidates": limit * 10,
		},
		"_source": []string{"label_id", "name"},
		"size":    limit,
	}

	var hits []struct {
		Source model.LabelDocument `json:"_source"`
	}
	if err := s.search(ctx, s.labelIndex, esQuery, &hits); err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(hits))
	for _, hit := range hits {
		labels = append(labels, strconv.Itoa(hit.Source.LabelID)+": "+hit.Source.Name)
	}
	return labels, nil
}

// search 发送查询并把 hits.hits 解码到 out 中。
func (s *searchService) search(ctx context.Context, index string, query map[string]interface{}, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(index),
		s.esClient.Search.WithBody(&buf),
	)
	if err != nil {
		log.Errorf("[SearchService] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits json.RawMessage `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return fmt.Errorf("failed to decode es response: %w", err)
	}
	if len(esResponse.Hits.Hits) == 0 {
		return nil
	}
	return json.Unmarshal(esResponse.Hits.Hits, out)
}

// IndexCase 向量化一条历史工单片段并写入案例索引。
func (s *searchService) IndexCase(ctx context.Context, caseID, content, label string) error {
	vector, err := s.embeddingClient.CreateEmbedding(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to embed case: %w", err)
	}
	doc := model.CaseDocument{CaseID: caseID, Content: content, Label: label, Vector: vector}
	return es.IndexDocument(ctx, s.esClient, s.caseIndex, caseID, doc)
}

// IndexLabel 向量化一条标签样例并写入标签索引，重复写入同一标签会覆盖旧文档。
func (s *searchService) IndexLabel(ctx context.Context, labelID int, name, example string) error {
	text := example
	if text == "" {
		text = name
	}
	vector, err := s.embeddingClient.CreateEmbedding(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed label: %w", err)
	}
	doc := model.LabelDocument{LabelID: labelID, Name: name, Example: example, Vector: vector}
	return es.IndexDocument(ctx, s.esClient, s.labelIndex, strconv.Itoa(labelID), doc)
}
