package rag

import (
	"fmt"
	"strings"

	"github.com/BaSui01/ragpipe/llm"
	"go.uber.org/zap"
)

// DefaultSummaryMarkers 摘要型上下文的默认识别标记
// 命中任一标记的候选按预生成摘要处理，不加块编号。
func DefaultSummaryMarkers() []string {
	return []string{
		"Summary of",
		"Document summary:",
		"Available project documents:",
	}
}

// DefaultPromptTemplate 默认提示词模板
// 占位符：{context} 上下文、{question} 问题、{max_length} 答案长度上限。
const DefaultPromptTemplate = `You are a helpful assistant answering questions about a project's documents.

Use the context below to answer the question. If the context does not contain
the answer, say so and answer from general knowledge, marking it as such.
Keep the answer under {max_length} characters.

Context:
{context}

Question: {question}`

// PromptConfig 提示词构建配置
type PromptConfig struct {
	Template        string   `yaml:"template"`          // 空则使用默认模板
	MaxHistoryTurns int      `yaml:"max_history_turns"` // 保留的历史问答轮数
	MaxAnswerLength int      `yaml:"max_answer_length"` // 注入 {max_length} 的值
	SummaryMarkers  []string `yaml:"summary_markers"`   // 摘要识别标记，空则使用默认列表
}

// DefaultPromptConfig 默认配置
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Template:        DefaultPromptTemplate,
		MaxHistoryTurns: 3,
		MaxAnswerLength: 4000,
		SummaryMarkers:  DefaultSummaryMarkers(),
	}
}

// PromptBuilder 提示词构建器
// 纯函数式组件：不做 I/O，同样输入产生同样输出。
type PromptBuilder struct {
	config PromptConfig
	logger *zap.Logger
}

// NewPromptBuilder 创建提示词构建器
func NewPromptBuilder(config PromptConfig, logger *zap.Logger) *PromptBuilder {
	if config.Template == "" {
		config.Template = DefaultPromptTemplate
	}
	if config.MaxHistoryTurns <= 0 {
		config.MaxHistoryTurns = 3
	}
	if config.MaxAnswerLength <= 0 {
		config.MaxAnswerLength = 4000
	}
	if len(config.SummaryMarkers) == 0 {
		config.SummaryMarkers = DefaultSummaryMarkers()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptBuilder{config: config, logger: logger}
}

// Build 由候选集和历史构建角色标注的消息序列
// 历史按 user/assistant 交替展开，模板化的提问作为最后一条 user 消息。
func (b *PromptBuilder) Build(question string, candidates []RetrievalCandidate, history []HistoryTurn) []llm.Message {
	context := b.buildContext(candidates)

	prompt := b.config.Template
	prompt = strings.ReplaceAll(prompt, "{context}", context)
	prompt = strings.ReplaceAll(prompt, "{question}", question)
	prompt = strings.ReplaceAll(prompt, "{max_length}", fmt.Sprintf("%d", b.config.MaxAnswerLength))

	messages := b.historyMessages(history)
	return append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
}

// buildContext 将候选拼接为上下文段落
// 普通块带 [Chunk N] 编号；摘要型候选原样插入；
// 无上下文占位符转换为给模型的明确指示。
func (b *PromptBuilder) buildContext(candidates []RetrievalCandidate) string {
	if len(candidates) == 0 {
		return b.noContextInstruction()
	}

	var parts []string
	chunkNo := 0
	for _, cand := range candidates {
		text := strings.TrimSpace(cand.Text)
		if text == "" {
			continue
		}
		if text == NoContextMarker {
			continue
		}
		if b.isSummaryText(text) {
			parts = append(parts, text)
			continue
		}
		chunkNo++
		parts = append(parts, fmt.Sprintf("[Chunk %d]\n%s", chunkNo, text))
	}

	if len(parts) == 0 {
		return b.noContextInstruction()
	}
	return strings.Join(parts, "\n\n")
}

func (b *PromptBuilder) noContextInstruction() string {
	return "No project documents are available. Answer from general knowledge and state that the answer is not based on project materials."
}

// historyMessages 将最近 MaxHistoryTurns 轮问答展开为 user/assistant 消息对
func (b *PromptBuilder) historyMessages(history []HistoryTurn) []llm.Message {
	if len(history) == 0 {
		return nil
	}
	if len(history) > b.config.MaxHistoryTurns {
		history = history[len(history)-b.config.MaxHistoryTurns:]
	}

	messages := make([]llm.Message, 0, len(history)*2+1)
	for _, turn := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: strings.TrimSpace(turn.Question)},
			llm.Message{Role: llm.RoleAssistant, Content: strings.TrimSpace(turn.Answer)},
		)
	}
	return messages
}

// isSummaryText 判断文本是否为预生成摘要
func (b *PromptBuilder) isSummaryText(text string) bool {
	for _, marker := range b.config.SummaryMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
