package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/ragpipe/internal/metrics"
	"github.com/BaSui01/ragpipe/llm"
	"go.uber.org/zap"
)

// PipelineConfig 问答流水线配置
type PipelineConfig struct {
	BaseTopK      int     `yaml:"base_top_k"`
	BaseThreshold float64 `yaml:"base_threshold"`

	// Model 覆盖后端默认模型（空表示各后端使用自身配置的模型）
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// MaxAnswerLength 最终答案（含引用）的字符上限
	MaxAnswerLength int `yaml:"max_answer_length"`
}

// DefaultPipelineConfig 默认配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BaseTopK:        5,
		BaseThreshold:   0.5,
		MaxTokens:       2048,
		Temperature:     0.3,
		MaxAnswerLength: 4000,
	}
}

// AnswerOptions 单次提问的可选参数
type AnswerOptions struct {
	// History 对话历史（仅保留最近几轮进入提示词）
	History []HistoryTurn
	// Previous 上一轮检索反馈，驱动多轮自适应（可为 nil）
	Previous *Feedback
	// MaxLength 覆盖配置的答案长度上限（0 表示使用配置值）
	MaxLength int
}

// Pipeline 检索增强问答流水线
// 阶段顺序固定：参数计算 → 检索 → 重排序 → 提示词组装 → 生成 → 格式化。
// 主备模型均失败时向调用方传播 DualFailureError，由外层产出致歉消息；
// 其余故障均在阶段内降级，不中断请求。
type Pipeline struct {
	controller *AdaptiveController
	retriever  *Retriever
	reranker   *Reranker
	prompts    *PromptBuilder
	provider   llm.Provider
	formatter  *Formatter

	config    PipelineConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewPipeline 创建问答流水线
// collector 可为 nil（不采集指标）。
func NewPipeline(
	controller *AdaptiveController,
	retriever *Retriever,
	reranker *Reranker,
	prompts *PromptBuilder,
	provider llm.Provider,
	formatter *Formatter,
	config PipelineConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Pipeline {
	if config.BaseTopK <= 0 {
		config.BaseTopK = 5
	}
	if config.BaseThreshold <= 0 {
		config.BaseThreshold = 0.5
	}
	if config.MaxAnswerLength <= 0 {
		config.MaxAnswerLength = 4000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		controller: controller,
		retriever:  retriever,
		reranker:   reranker,
		prompts:    prompts,
		provider:   provider,
		formatter:  formatter,
		config:     config,
		collector:  collector,
		logger:     logger.With(zap.String("component", "pipeline")),
	}
}

// Answer 回答一个项目范围内的问题
func (p *Pipeline) Answer(ctx context.Context, question, projectID string, opts AnswerOptions) (*ComposedAnswer, error) {
	start := time.Now()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is empty")
	}

	params := p.controller.Parameters(question, p.config.BaseTopK, p.config.BaseThreshold, opts.Previous)

	// 检索
	retrieveStart := time.Now()
	candidates, err := p.retriever.Retrieve(ctx, question, projectID, params)
	if err != nil {
		// 检索层自身兜底，到这里只剩 context 取消一类的硬错误
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	p.recordStage("retrieve", retrieveStart)

	degraded := isDegraded(candidates)
	if p.collector != nil {
		source := "vector"
		if degraded {
			source = "metadata"
			p.collector.RecordRetrievalFallback(projectID)
		}
		p.collector.RecordRetrieval(source, string(params.Complexity), len(candidates), p.controller.QualityScore(candidates))
	}

	// 重排序
	rerankStart := time.Now()
	if !degraded {
		candidates = p.reranker.Rerank(ctx, question, candidates, params.TopK)
	}
	p.recordStage("rerank", rerankStart)

	// 提示词组装：历史展开为角色标注消息，提问是最后一条 user 消息
	messages := p.prompts.Build(question, candidates, opts.History)

	// 生成
	generateStart := time.Now()
	resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
		Model:       p.config.Model,
		Messages:    messages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: float32(p.config.Temperature),
	})
	p.recordStage("generate", generateStart)
	if err != nil {
		if p.collector != nil {
			p.collector.RecordPipelineRequest("error", string(params.Complexity), time.Since(start))
		}
		if llm.IsDualFailure(err) {
			// 主备均失败对单个请求是致命的，调用方负责用户可见的致歉
			return nil, err
		}
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	// 格式化
	formatStart := time.Now()
	maxLength := opts.MaxLength
	if maxLength <= 0 {
		maxLength = p.config.MaxAnswerLength
	}
	text, citations := p.formatter.Format(resp.Text(), maxLength, candidates)
	p.recordStage("format", formatStart)

	quality := p.controller.QualityScore(candidates)

	status := "ok"
	if degraded {
		status = "degraded"
	}
	if p.collector != nil {
		p.collector.RecordPipelineRequest(status, string(params.Complexity), time.Since(start))
	}

	p.logger.Info("question answered",
		zap.String("project_id", projectID),
		zap.String("complexity", string(params.Complexity)),
		zap.Int("candidates", len(candidates)),
		zap.Int("citations", len(citations)),
		zap.Bool("degraded", degraded),
		zap.Float64("quality", quality),
		zap.Duration("elapsed", time.Since(start)))

	return &ComposedAnswer{
		Text:      text,
		Citations: citations,
		Quality:   quality,
		Degraded:  degraded,
	}, nil
}

// Feedback 由上一轮答案构造下一轮的反馈信号
func (p *Pipeline) Feedback(answer *ComposedAnswer, candidatesFound, targetCount int) *Feedback {
	if answer == nil {
		return nil
	}
	return &Feedback{
		Quality:         answer.Quality,
		CandidatesFound: candidatesFound,
		TargetCount:     targetCount,
	}
}

func (p *Pipeline) recordStage(stage string, start time.Time) {
	if p.collector != nil {
		p.collector.RecordStage(stage, time.Since(start))
	}
}

// isDegraded 判断候选集是否来自元数据降级
func isDegraded(candidates []RetrievalCandidate) bool {
	for _, c := range candidates {
		if v, ok := c.Payload["metadata_fallback"].(bool); ok && v {
			return true
		}
	}
	return false
}
