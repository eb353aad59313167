package rag

import "time"

// Chunk 文档块：检索的基本单位
type Chunk struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"` // 同一文档内严格递增
	Text          string `json:"text"`
	ByteLength    int    `json:"byte_length"`

	// ParentID 层级分块时指向父块（弱引用；父块不持有子块列表）
	ParentID string `json:"parent_id,omitempty"`
}

// RetrievalCandidate 检索候选：每次查询临时产生，不持久化
type RetrievalCandidate struct {
	ChunkID          string         `json:"chunk_id"`
	DocumentID       string         `json:"document_id"`
	ChunkIndex       int            `json:"chunk_index"`
	Text             string         `json:"text"`
	Score            float64        `json:"score"` // 名义范围 [0,1]
	RerankScore      float64        `json:"rerank_score,omitempty"`
	SourceCollection string         `json:"source_collection"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// DedupKey 去重键：(document_id, chunk_index)
type DedupKey struct {
	DocumentID string
	ChunkIndex int
}

// Key 返回候选的去重键
func (c RetrievalCandidate) Key() DedupKey {
	return DedupKey{DocumentID: c.DocumentID, ChunkIndex: c.ChunkIndex}
}

// Complexity 问题复杂度分类
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// RetrievalParameters 每次查询新鲜计算的检索参数，不持久化
type RetrievalParameters struct {
	TopK           int        `json:"top_k"`
	ScoreThreshold float64    `json:"score_threshold"`
	Complexity     Complexity `json:"query_complexity"`
}

// Citation 答案引用
type Citation struct {
	DocumentLabel string `json:"document_label"`
	ChunkOrdinal  int    `json:"chunk_ordinal"`
	Quote         string `json:"quote"`
}

// ComposedAnswer 最终答案：格式化完成后不可变
type ComposedAnswer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`

	// Quality 本轮检索质量分，调用方可传入下一轮作为反馈信号
	Quality float64 `json:"quality"`

	// Degraded 本轮是否走了元数据降级路径
	Degraded bool `json:"degraded"`
}

// DocumentInfo 文档元数据：仅在块级检索不可用时使用
type DocumentInfo struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Filename  string    `json:"filename"`
	FileType  string    `json:"file_type"`
	CreatedAt time.Time `json:"created_at"`
	Keywords  []string  `json:"keywords"`
}

// HistoryTurn 一轮问答历史
type HistoryTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
