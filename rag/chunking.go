package rag

import (
	"strings"

	"github.com/BaSui01/ragpipe/llm/tokenizer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	Size    int `json:"size" yaml:"size"`       // 块大小（字符）
	Overlap int `json:"overlap" yaml:"overlap"` // 相邻块重叠（字符）

	// 层级分块参数
	ParentSize int `json:"parent_size" yaml:"parent_size"` // 父块大小
	ChildSize  int `json:"child_size" yaml:"child_size"`   // 子块大小
}

// DefaultChunkingConfig 默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Size:       1000,
		Overlap:    200,
		ParentSize: 3000,
		ChildSize:  500,
	}
}

// Chunker 文档分块器
// 优先在句子/段落边界分割，硬切分为最后手段；
// 相邻块从前一块结束位置向前 overlap 个字符开始，保证边界信息不丢失。
type Chunker struct {
	config    ChunkingConfig
	tokenizer tokenizer.Tokenizer // 可选，用于记录块的 token 数
	logger    *zap.Logger
}

// NewChunker 创建文档分块器
func NewChunker(config ChunkingConfig, tok tokenizer.Tokenizer, logger *zap.Logger) *Chunker {
	if config.Size <= 0 {
		config = DefaultChunkingConfig()
	}
	if config.Overlap < 0 {
		config.Overlap = 0
	}
	if config.Overlap >= config.Size {
		config.Overlap = config.Size / 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{config: config, tokenizer: tok, logger: logger}
}

// SplitText 将文本切分为可重叠的片段
// 空白输入返回空序列；长度不超过 size 的输入返回单元素序列。
func (c *Chunker) SplitText(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}

	var parts []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			parts = append(parts, string(runes[start:]))
			break
		}

		// 在窗口内寻找句子边界，避免在句子中间分割
		window := string(runes[start:end])
		adjusted := adjustToSentenceBoundary(window)
		end = start + len([]rune(adjusted))

		parts = append(parts, string(runes[start:end]))

		// 下一块从重叠区之前开始；始终保证前进
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return parts
}

// ChunkDocument 将文档文本分块并编号
func (c *Chunker) ChunkDocument(documentID, text string) []Chunk {
	parts := c.SplitText(text, c.config.Size, c.config.Overlap)
	chunks := make([]Chunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, Chunk{
			ID:            uuid.NewString(),
			DocumentID:    documentID,
			SequenceIndex: i,
			Text:          part,
			ByteLength:    len(part),
		})
	}

	c.logger.Debug("document chunked",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunks)),
		zap.Int("size", c.config.Size),
		zap.Int("overlap", c.config.Overlap))

	return chunks
}

// ChunkHierarchical 层级分块：先按大尺寸切父块，再在每个父块内切小尺寸子块。
// 子块持有指向父块的弱引用；父块不记录子块列表，避免循环持有。
func (c *Chunker) ChunkHierarchical(documentID, text string) (parents []Chunk, children []Chunk) {
	parentParts := c.SplitText(text, c.config.ParentSize, c.config.Overlap)

	childSeq := 0
	for i, parentText := range parentParts {
		parent := Chunk{
			ID:            uuid.NewString(),
			DocumentID:    documentID,
			SequenceIndex: i,
			Text:          parentText,
			ByteLength:    len(parentText),
		}
		parents = append(parents, parent)

		for _, childText := range c.SplitText(parentText, c.config.ChildSize, c.config.Overlap) {
			children = append(children, Chunk{
				ID:            uuid.NewString(),
				DocumentID:    documentID,
				SequenceIndex: childSeq,
				Text:          childText,
				ByteLength:    len(childText),
				ParentID:      parent.ID,
			})
			childSeq++
		}
	}

	c.logger.Debug("hierarchical chunking completed",
		zap.String("document_id", documentID),
		zap.Int("parents", len(parents)),
		zap.Int("children", len(children)))

	return parents, children
}

// CountTokens 返回文本的 token 数；分词器缺失或出错时按字符估算。
func (c *Chunker) CountTokens(text string) int {
	if c.tokenizer != nil {
		if n, err := c.tokenizer.CountTokens(text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// adjustToSentenceBoundary 调整到句子边界（避免在句子中间分割）
func adjustToSentenceBoundary(text string) string {
	if len(text) == 0 {
		return text
	}

	// 句子结束标记
	sentenceEnders := []rune{'.', '。', '!', '！', '?', '？', '\n'}

	// 从后往前查找最近的句子边界，只在后半部分查找
	runes := []rune(text)
	for i := len(runes) - 1; i >= len(runes)/2; i-- {
		for _, ender := range sentenceEnders {
			if runes[i] == ender {
				// 找到句子边界，包含标点符号
				return string(runes[:i+1])
			}
		}
	}

	// 如果找不到句子边界，查找空格
	for i := len(runes) - 1; i >= len(runes)/2; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return string(runes[:i+1])
		}
	}

	// 实在找不到，返回原文（硬切）
	return text
}
