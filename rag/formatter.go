package rag

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// 投递渠道不渲染标记语法，统一剥离为纯文本。
var (
	reFencedCode    = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```")
	reInlineCode    = regexp.MustCompile("`([^`]*)`")
	reHeader        = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reBoldAsterisk  = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	reBoldUnder     = regexp.MustCompile(`__([^_]+)__`)
	reItalicAster   = regexp.MustCompile(`\*([^*]+)\*`)
	reItalicUnder   = regexp.MustCompile(`_([^_]+)_`)
	reStrikethrough = regexp.MustCompile(`~~([^~]+)~~`)
	reLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	reListMarker    = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	reBlankRuns     = regexp.MustCompile(`\n{3,}`)
)

// FormatterConfig 答案格式化配置
type FormatterConfig struct {
	// CitationReserve 为引用块预留的字符预算
	CitationReserve int `yaml:"citation_reserve"`
	// MaxCitations 引用条目上限
	MaxCitations int `yaml:"max_citations"`
	// MaxQuoteLength 单条引用摘录的字符上限
	MaxQuoteLength int `yaml:"max_quote_length"`
}

// DefaultFormatterConfig 默认配置
func DefaultFormatterConfig() FormatterConfig {
	return FormatterConfig{
		CitationReserve: 200,
		MaxCitations:    3,
		MaxQuoteLength:  100,
	}
}

// Formatter 答案格式化器
// 内部异常就地降级为原文截断，绝不向上传播。
type Formatter struct {
	config FormatterConfig
	logger *zap.Logger
}

// NewFormatter 创建格式化器
func NewFormatter(config FormatterConfig, logger *zap.Logger) *Formatter {
	if config.CitationReserve <= 0 {
		config.CitationReserve = 200
	}
	if config.MaxCitations <= 0 {
		config.MaxCitations = 3
	}
	if config.MaxQuoteLength <= 0 {
		config.MaxQuoteLength = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{config: config, logger: logger}
}

// Format 清洗标记、截断正文、追加引用
// 不变量：len([]rune(结果)) <= maxLength，引用追加后再做一次硬截断兜底。
func (f *Formatter) Format(rawText string, maxLength int, candidates []RetrievalCandidate) (out string, citations []Citation) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("formatting panicked, degrading to plain truncation",
				zap.Any("panic", rec))
			out = hardTruncate(rawText, maxLength)
			citations = nil
		}
	}()

	text := StripMarkup(rawText)

	citations = f.buildCitations(candidates)

	bodyBudget := maxLength
	if len(citations) > 0 {
		bodyBudget = maxLength - f.config.CitationReserve
		if bodyBudget < 0 {
			bodyBudget = 0
		}
	}
	text = truncateAtSentence(text, bodyBudget)

	if len(citations) > 0 {
		text += f.renderCitations(citations)
	}

	// 引用可能把总长推过预算，最后再硬截断一次
	return hardTruncate(text, maxLength), citations
}

// StripMarkup 剥离 Markdown 标记为纯文本
func StripMarkup(text string) string {
	text = reFencedCode.ReplaceAllString(text, "$1")
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reHeader.ReplaceAllString(text, "")
	text = reBoldAsterisk.ReplaceAllString(text, "$1")
	text = reBoldUnder.ReplaceAllString(text, "$1")
	text = reItalicAster.ReplaceAllString(text, "$1")
	text = reItalicUnder.ReplaceAllString(text, "$1")
	text = reStrikethrough.ReplaceAllString(text, "$1")
	text = reLink.ReplaceAllString(text, "$1")
	text = reListMarker.ReplaceAllString(text, "")
	text = reBlankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// buildCitations 从候选构建引用列表
// 按 (document_id, chunk_index) 去重，首次出现者胜出，至多 MaxCitations 条；
// 元数据降级候选与无文档归属的候选不产生引用。
func (f *Formatter) buildCitations(candidates []RetrievalCandidate) []Citation {
	seen := make(map[DedupKey]bool)
	var citations []Citation

	for _, cand := range candidates {
		if cand.DocumentID == "" {
			continue
		}
		if v, ok := cand.Payload["metadata_fallback"].(bool); ok && v {
			continue
		}
		key := cand.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		label := cand.DocumentID
		if v, ok := cand.Payload["filename"].(string); ok && v != "" {
			label = v
		}

		citations = append(citations, Citation{
			DocumentLabel: label,
			ChunkOrdinal:  cand.ChunkIndex,
			Quote:         hardTruncateEllipsis(strings.TrimSpace(cand.Text), f.config.MaxQuoteLength),
		})
		if len(citations) >= f.config.MaxCitations {
			break
		}
	}
	return citations
}

// renderCitations 渲染引用块
func (f *Formatter) renderCitations(citations []Citation) string {
	var sb strings.Builder
	sb.WriteString("\n\nSources:")
	for i, c := range citations {
		sb.WriteString(fmt.Sprintf("\n%d. %s, chunk %d: \"%s\"", i+1, c.DocumentLabel, c.ChunkOrdinal, c.Quote))
	}
	return sb.String()
}

// truncateAtSentence 在预算内截断正文
// 优先回退到最后一个句子边界，找不到则硬截断，均追加省略号。
func truncateAtSentence(text string, budget int) string {
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}
	if budget <= 1 {
		return hardTruncate(text, budget)
	}

	cut := budget - 1 // 留出省略号
	boundary := -1
	for i := cut - 1; i >= 0 && i >= cut-budget/2; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '！', '？', '\n':
			boundary = i + 1
		}
		if boundary >= 0 {
			break
		}
	}
	if boundary > 0 {
		return strings.TrimSpace(string(runes[:boundary])) + "…"
	}
	return string(runes[:cut]) + "…"
}

// hardTruncate 按 rune 硬截断
func hardTruncate(text string, maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength])
}

// hardTruncateEllipsis 硬截断并追加省略号
func hardTruncateEllipsis(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	if maxLength <= 1 {
		return hardTruncate(text, maxLength)
	}
	return string(runes[:maxLength-1]) + "…"
}
