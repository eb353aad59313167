package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DocumentRecord 文档元数据表
type DocumentRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	ProjectID string    `gorm:"index;size:64;not null" json:"project_id"`
	Filename  string    `gorm:"size:255;not null" json:"filename"`
	FileType  string    `gorm:"size:32" json:"file_type"`
	Keywords  string    `gorm:"size:1024" json:"keywords"` // 逗号分隔
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DocumentRecord) TableName() string {
	return "rag_documents"
}

// DocumentStore 文档元数据存储
// 实现 DocumentProvider，为元数据降级检索提供数据。
type DocumentStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDocumentStore 创建文档元数据存储并自动迁移表结构
func NewDocumentStore(db *gorm.DB, logger *zap.Logger) (*DocumentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("document store requires a database handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &DocumentStore{
		db:     db,
		logger: logger.With(zap.String("component", "document_store")),
	}, nil
}

// SaveDocument 登记文档元数据
// 关键词为空时从文档文本提取；返回落库后的记录。
func (s *DocumentStore) SaveDocument(ctx context.Context, projectID, filename, fileType, text string, keywords []string) (*DocumentRecord, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("filename is required")
	}

	if len(keywords) == 0 {
		keywords = ExtractKeywords(text, 10)
	}

	rec := &DocumentRecord{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Filename:  filename,
		FileType:  fileType,
		Keywords:  strings.Join(keywords, ","),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}

	s.logger.Info("document registered",
		zap.String("document_id", rec.ID),
		zap.String("project_id", projectID),
		zap.String("filename", filename))
	return rec, nil
}

// ListDocuments 列出项目的全部文档元数据
func (s *DocumentStore) ListDocuments(ctx context.Context, projectID string) ([]DocumentInfo, error) {
	var records []DocumentRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	docs := make([]DocumentInfo, 0, len(records))
	for _, r := range records {
		var keywords []string
		if r.Keywords != "" {
			keywords = strings.Split(r.Keywords, ",")
		}
		docs = append(docs, DocumentInfo{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Filename:  r.Filename,
			FileType:  r.FileType,
			CreatedAt: r.CreatedAt,
			Keywords:  keywords,
		})
	}
	return docs, nil
}

// DeleteDocument 删除文档元数据
func (s *DocumentStore) DeleteDocument(ctx context.Context, documentID string) error {
	result := s.db.WithContext(ctx).Delete(&DocumentRecord{}, "id = ?", documentID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("document %s not found", documentID)
	}
	return nil
}

// ExtractKeywords 简易关键词提取：词频统计，停用词与短词排除
func ExtractKeywords(text string, limit int) []string {
	if limit <= 0 {
		limit = 10
	}

	freq := make(map[string]int)
	for _, word := range keywords(text) {
		if len([]rune(word)) < 3 {
			continue
		}
		freq[word]++
	}

	type wordCount struct {
		word  string
		count int
	}
	counts := make([]wordCount, 0, len(freq))
	for w, c := range freq {
		counts = append(counts, wordCount{word: w, count: c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].word < counts[j].word
	})

	if len(counts) > limit {
		counts = counts[:limit]
	}
	out := make([]string, 0, len(counts))
	for _, wc := range counts {
		out = append(out, wc.word)
	}
	return out
}
