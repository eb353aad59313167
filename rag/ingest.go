package rag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/ragpipe/embedding"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// IngestConfig 文档入库配置
type IngestConfig struct {
	Chunking     ChunkingConfig `yaml:"chunking"`
	Hierarchical bool           `yaml:"hierarchical"` // 层级分块（父/子两级）
	EmbedBatch   int            `yaml:"embed_batch"`  // 单次嵌入批大小
	Timeout      time.Duration  `yaml:"timeout"`      // 整个入库任务的超时
	MaxRetries   uint64         `yaml:"max_retries"`  // 嵌入/写入的重试次数
}

// DefaultIngestConfig 默认配置
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Chunking:   DefaultChunkingConfig(),
		EmbedBatch: 64,
		Timeout:    10 * time.Minute,
		MaxRetries: 3,
	}
}

// IngestResult 入库结果
type IngestResult struct {
	DocumentID string
	Chunks     int
	Elapsed    time.Duration
}

// Ingestor 文档入库器
// 分块 → 批量嵌入 → 写入向量库。后台入库与发起请求的生命周期解耦：
// 请求返回后任务继续运行，失败只记录日志并重试。
type Ingestor struct {
	chunker   *Chunker
	embedder  embedding.Provider
	store     VectorStore
	documents *DocumentStore
	config    IngestConfig
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewIngestor 创建文档入库器
func NewIngestor(chunker *Chunker, embedder embedding.Provider, store VectorStore, documents *DocumentStore, config IngestConfig, logger *zap.Logger) *Ingestor {
	if config.EmbedBatch <= 0 {
		config.EmbedBatch = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		documents: documents,
		config:    config,
		logger:    logger.With(zap.String("component", "ingestor")),
	}
}

// Ingest 同步入库一份文档
func (in *Ingestor) Ingest(ctx context.Context, projectID, filename, fileType, text string) (*IngestResult, error) {
	start := time.Now()

	var documentID string
	if in.documents != nil {
		rec, err := in.documents.SaveDocument(ctx, projectID, filename, fileType, text, nil)
		if err != nil {
			return nil, err
		}
		documentID = rec.ID
	}

	var chunks []Chunk
	if in.config.Hierarchical {
		_, chunks = in.chunker.ChunkHierarchical(documentID, text)
	} else {
		chunks = in.chunker.ChunkDocument(documentID, text)
	}
	if len(chunks) == 0 {
		return &IngestResult{DocumentID: documentID, Elapsed: time.Since(start)}, nil
	}

	collection := CollectionForProject(projectID, SpaceSemantic)
	if err := in.store.EnsureCollection(ctx, collection, in.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	for offset := 0; offset < len(chunks); offset += in.config.EmbedBatch {
		end := offset + in.config.EmbedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := in.ingestBatch(ctx, collection, chunks[offset:end]); err != nil {
			return nil, err
		}
	}

	result := &IngestResult{
		DocumentID: documentID,
		Chunks:     len(chunks),
		Elapsed:    time.Since(start),
	}
	in.logger.Info("document ingested",
		zap.String("project_id", projectID),
		zap.String("document_id", documentID),
		zap.Int("chunks", result.Chunks),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// IngestAsync 后台入库
// 任务使用与调用方 context 解耦的独立超时 context，
// 调用方取消或断开不影响任务完成。
func (in *Ingestor) IngestAsync(projectID, filename, fileType, text string) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), in.config.Timeout)
		defer cancel()

		if _, err := in.Ingest(ctx, projectID, filename, fileType, text); err != nil {
			in.logger.Error("background ingestion failed",
				zap.String("project_id", projectID),
				zap.String("filename", filename),
				zap.Error(err))
		}
	}()
}

// Wait 等待所有后台入库任务结束（用于优雅关闭）
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

// ingestBatch 嵌入并写入一批块，瞬时失败按指数退避重试
func (in *Ingestor) ingestBatch(ctx context.Context, collection string, chunks []Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), in.config.MaxRetries),
		ctx,
	)

	operation := func() error {
		vectors, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			in.logger.Warn("embedding batch failed, retrying", zap.Error(err))
			return err
		}
		if len(vectors) != len(chunks) {
			return backoff.Permanent(fmt.Errorf("embedding count mismatch: got=%d want=%d", len(vectors), len(chunks)))
		}

		points := make([]Point, len(chunks))
		for i, c := range chunks {
			payload := map[string]any{
				"text":        c.Text,
				"document_id": c.DocumentID,
				"chunk_index": c.SequenceIndex,
			}
			if c.ParentID != "" {
				payload["parent_id"] = c.ParentID
			}
			points[i] = Point{ID: c.ID, Vector: vectors[i], Payload: payload}
		}

		if err := in.store.Upsert(ctx, collection, points); err != nil {
			in.logger.Warn("vector upsert failed, retrying", zap.Error(err))
			return err
		}
		return nil
	}

	return backoff.Retry(operation, policy)
}
