package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// VectorSpace 向量空间类型
type VectorSpace string

const (
	SpaceSemantic VectorSpace = "semantic"
	SpaceKeyword  VectorSpace = "keyword"
	SpaceSummary  VectorSpace = "summary"
)

// CollectionForProject 返回项目在给定向量空间下的集合名
// 语义空间使用 project_{id}，其余空间追加空间后缀。
func CollectionForProject(projectID string, space VectorSpace) string {
	if space == SpaceSemantic || space == "" {
		return "project_" + projectID
	}
	return fmt.Sprintf("project_%s_%s", projectID, space)
}

// Point 向量点：向量 + 负载
type Point struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// VectorStore 向量数据库接口
// 集合按项目逻辑隔离；低于阈值的候选在索引层直接排除。
type VectorStore interface {
	// EnsureCollection 确保集合存在（幂等）
	EnsureCollection(ctx context.Context, collection string, vectorSize int) error

	// Upsert 写入或更新向量点
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search 搜索相似向量，按分数降序返回
	Search(ctx context.Context, collection string, vector []float64, limit int, scoreThreshold float64) ([]RetrievalCandidate, error)

	// CollectionExists 判断集合是否存在
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// DeleteCollection 删除集合
	DeleteCollection(ctx context.Context, collection string) error

	// Count 返回集合内的点数
	Count(ctx context.Context, collection string) (int, error)
}

// candidateFromPayload 从负载还原检索候选
func candidateFromPayload(id, collection string, score float64, payload map[string]any) RetrievalCandidate {
	cand := RetrievalCandidate{
		ChunkID:          id,
		Score:            score,
		SourceCollection: collection,
		Payload:          payload,
	}
	if v, ok := payload["text"].(string); ok {
		cand.Text = v
	}
	if v, ok := payload["document_id"].(string); ok {
		cand.DocumentID = v
	}
	switch v := payload["chunk_index"].(type) {
	case int:
		cand.ChunkIndex = v
	case int64:
		cand.ChunkIndex = int(v)
	case float64:
		cand.ChunkIndex = int(v)
	}
	return cand
}

// ====== 内存向量存储（用于测试和小规模应用）======

// InMemoryVectorStore 内存向量存储
type InMemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string][]Point
	logger      *zap.Logger
}

// NewInMemoryVectorStore 创建内存向量存储
func NewInMemoryVectorStore(logger *zap.Logger) *InMemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorStore{
		collections: make(map[string][]Point),
		logger:      logger,
	}
}

// EnsureCollection 确保集合存在
func (s *InMemoryVectorStore) EnsureCollection(_ context.Context, collection string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = nil
	}
	return nil
}

// Upsert 写入或更新向量点
func (s *InMemoryVectorStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.collections[collection]
	byID := make(map[string]int, len(existing))
	for i, p := range existing {
		byID[p.ID] = i
	}

	for _, p := range points {
		if p.Vector == nil {
			return fmt.Errorf("point %s has no vector", p.ID)
		}
		if i, ok := byID[p.ID]; ok {
			existing[i] = p
		} else {
			existing = append(existing, p)
			byID[p.ID] = len(existing) - 1
		}
	}
	s.collections[collection] = existing

	s.logger.Debug("points upserted",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
		zap.Int("total", len(existing)))

	return nil
}

// Search 余弦相似度搜索
func (s *InMemoryVectorStore) Search(_ context.Context, collection string, vector []float64, limit int, scoreThreshold float64) ([]RetrievalCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", collection)
	}

	results := make([]RetrievalCandidate, 0, len(points))
	for _, p := range points {
		score := cosineSimilarity(vector, p.Vector)
		if score < scoreThreshold {
			continue
		}
		results = append(results, candidateFromPayload(p.ID, collection, score, p.Payload))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CollectionExists 判断集合是否存在
func (s *InMemoryVectorStore) CollectionExists(_ context.Context, collection string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[collection]
	return ok, nil
}

// DeleteCollection 删除集合
func (s *InMemoryVectorStore) DeleteCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

// Count 返回集合内的点数
func (s *InMemoryVectorStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// cosineSimilarity 计算余弦相似度
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
