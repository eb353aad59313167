package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/ragpipe/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DocumentProvider 文档元数据提供方
// 仅在块级检索不可用时作为降级来源。
type DocumentProvider interface {
	ListDocuments(ctx context.Context, projectID string) ([]DocumentInfo, error)
}

// SpaceWeights 各向量空间的分数权重
type SpaceWeights map[VectorSpace]float64

// DefaultSpaceWeights 默认空间权重（手工调优值，作为可配置默认而非定论）
func DefaultSpaceWeights() SpaceWeights {
	return SpaceWeights{
		SpaceSemantic: 0.6,
		SpaceKeyword:  0.3,
		SpaceSummary:  0.1,
	}
}

// RetrieverConfig 多策略检索器配置
type RetrieverConfig struct {
	Weights      SpaceWeights  `yaml:"weights"`
	QueryTimeout time.Duration `yaml:"query_timeout"` // 单个向量空间查询超时
}

// DefaultRetrieverConfig 默认配置
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		Weights:      DefaultSpaceWeights(),
		QueryTimeout: 10 * time.Second,
	}
}

// NoContextMarker 元数据降级彻底无结果时的占位文本
// 保证检索管线永不空转：下游据此提示模型依赖通用知识作答。
const NoContextMarker = "[no project context available]"

// Retriever 多策略检索器
// 策略链（非互斥的降级顺序）：
//  1. 存在向量集合时嵌入问题并按 (top_k, threshold) 查询；
//  2. 多个向量空间并存时逐一查询并按权重合并；
//  3. 无块级命中时降级到文档元数据，该路径必然成功。
type Retriever struct {
	store     VectorStore
	embedder  embedding.Provider
	documents DocumentProvider
	config    RetrieverConfig
	logger    *zap.Logger
}

// NewRetriever 创建多策略检索器
func NewRetriever(store VectorStore, embedder embedding.Provider, documents DocumentProvider, config RetrieverConfig, logger *zap.Logger) *Retriever {
	if config.Weights == nil {
		config.Weights = DefaultSpaceWeights()
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:     store,
		embedder:  embedder,
		documents: documents,
		config:    config,
		logger:    logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve 执行多策略检索
// 返回的候选按分数降序；单个向量空间失败只记录日志并跳过，
// 只要任一策略有结果或元数据降级可用，整体检索不失败。
func (r *Retriever) Retrieve(ctx context.Context, question, projectID string, params RetrievalParameters) ([]RetrievalCandidate, error) {
	candidates := r.retrieveFromVectorSpaces(ctx, question, projectID, params)
	if len(candidates) > 0 {
		return candidates, nil
	}

	// 无块级命中：降级到文档元数据
	return r.metadataFallback(ctx, projectID), nil
}

// retrieveFromVectorSpaces 查询所有存在的向量空间并按权重合并
func (r *Retriever) retrieveFromVectorSpaces(ctx context.Context, question, projectID string, params RetrievalParameters) []RetrievalCandidate {
	spaces := r.existingSpaces(ctx, projectID)
	if len(spaces) == 0 {
		r.logger.Info("no vector collections for project",
			zap.String("project_id", projectID))
		return nil
	}

	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		// 嵌入失败按瞬时故障处理：跳过向量检索，让元数据降级兜底
		r.logger.Warn("failed to embed question, skipping vector retrieval",
			zap.String("project_id", projectID),
			zap.Error(err))
		return nil
	}

	// 各空间并发查询；单空间失败不影响整体
	var mu sync.Mutex
	perSpace := make(map[VectorSpace][]RetrievalCandidate, len(spaces))

	g, gctx := errgroup.WithContext(ctx)
	for _, space := range spaces {
		space := space
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, r.config.QueryTimeout)
			defer cancel()

			collection := CollectionForProject(projectID, space)
			results, err := r.store.Search(qctx, collection, vector, params.TopK, params.ScoreThreshold)
			if err != nil {
				r.logger.Warn("vector space query failed, skipping",
					zap.String("collection", collection),
					zap.Error(err))
				return nil
			}

			mu.Lock()
			perSpace[space] = results
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // 子查询从不返回错误，失败均已就地记录

	if len(spaces) == 1 {
		return dedupCandidates(perSpace[spaces[0]])
	}
	return r.mergeWeighted(perSpace, params.TopK)
}

// existingSpaces 返回该项目实际存在的向量空间
func (r *Retriever) existingSpaces(ctx context.Context, projectID string) []VectorSpace {
	all := []VectorSpace{SpaceSemantic, SpaceKeyword, SpaceSummary}
	var spaces []VectorSpace
	for _, space := range all {
		exists, err := r.store.CollectionExists(ctx, CollectionForProject(projectID, space))
		if err != nil {
			r.logger.Warn("collection existence check failed",
				zap.String("space", string(space)),
				zap.Error(err))
			continue
		}
		if exists {
			spaces = append(spaces, space)
		}
	}
	return spaces
}

// mergeWeighted 按空间权重合并：同一文本的加权分数相加，取合并后 Top-K
func (r *Retriever) mergeWeighted(perSpace map[VectorSpace][]RetrievalCandidate, topK int) []RetrievalCandidate {
	type entry struct {
		candidate RetrievalCandidate
		combined  float64
		order     int // 首次出现顺序，用于稳定排序
	}

	merged := make(map[string]*entry)
	order := 0

	for _, space := range []VectorSpace{SpaceSemantic, SpaceKeyword, SpaceSummary} {
		weight, ok := r.config.Weights[space]
		if !ok {
			continue
		}
		for _, cand := range perSpace[space] {
			weighted := cand.Score * weight
			if e, ok := merged[cand.Text]; ok {
				e.combined += weighted
				continue
			}
			merged[cand.Text] = &entry{candidate: cand, combined: weighted, order: order}
			order++
		}
	}

	entries := make([]*entry, 0, len(merged))
	for _, e := range merged {
		e.candidate.Score = e.combined
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].combined != entries[j].combined {
			return entries[i].combined > entries[j].combined
		}
		return entries[i].order < entries[j].order
	})

	candidates := make([]RetrievalCandidate, 0, len(entries))
	for _, e := range entries {
		candidates = append(candidates, e.candidate)
	}
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return dedupCandidates(candidates)
}

// dedupCandidates 按 (document_id, chunk_index) 去重，首次出现者胜出
func dedupCandidates(candidates []RetrievalCandidate) []RetrievalCandidate {
	seen := make(map[DedupKey]bool, len(candidates))
	out := make([]RetrievalCandidate, 0, len(candidates))
	for _, cand := range candidates {
		key := cand.Key()
		if key.DocumentID != "" && seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cand)
	}
	return out
}

// metadataFallback 文档元数据降级：必然返回非空结果
func (r *Retriever) metadataFallback(ctx context.Context, projectID string) []RetrievalCandidate {
	var docs []DocumentInfo
	if r.documents != nil {
		var err error
		docs, err = r.documents.ListDocuments(ctx, projectID)
		if err != nil {
			r.logger.Warn("metadata fallback failed",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}

	if len(docs) == 0 {
		return []RetrievalCandidate{{
			Text:             NoContextMarker,
			Score:            0,
			SourceCollection: "metadata",
			Payload:          map[string]any{"metadata_fallback": true, "empty": true},
		}}
	}

	var sb strings.Builder
	sb.WriteString("Available project documents:\n")
	for _, doc := range docs {
		sb.WriteString(fmt.Sprintf("- %s (%s)", doc.Filename, doc.FileType))
		if len(doc.Keywords) > 0 {
			sb.WriteString(": " + strings.Join(doc.Keywords, ", "))
		}
		sb.WriteString("\n")
	}

	r.logger.Info("using metadata fallback",
		zap.String("project_id", projectID),
		zap.Int("documents", len(docs)))

	return []RetrievalCandidate{{
		Text:             sb.String(),
		Score:            0.3,
		SourceCollection: "metadata",
		Payload:          map[string]any{"metadata_fallback": true},
	}}
}
