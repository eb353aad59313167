package rag

import (
	"strings"

	"go.uber.org/zap"
)

// AdaptiveConfig 自适应检索控制器配置
type AdaptiveConfig struct {
	MinTopK        int     `json:"min_top_k" yaml:"min_top_k"`
	MaxTopK        int     `json:"max_top_k" yaml:"max_top_k"`
	MinThreshold   float64 `json:"min_threshold" yaml:"min_threshold"`
	MaxThreshold   float64 `json:"max_threshold" yaml:"max_threshold"`
	MinAcceptable  float64 `json:"min_acceptable" yaml:"min_acceptable"`   // 质量奖励的最低可接受分
	SimpleTokenMax int     `json:"simple_token_max" yaml:"simple_token_max"` // 简单问题 token 上限
	ComplexTokens  int     `json:"complex_tokens" yaml:"complex_tokens"`   // 复杂问题 token 下限（不含）
}

// DefaultAdaptiveConfig 默认配置
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinTopK:        3,
		MaxTopK:        20,
		MinThreshold:   0.3,
		MaxThreshold:   0.8,
		MinAcceptable:  0.5,
		SimpleTokenMax: 5,
		ComplexTokens:  15,
	}
}

// interrogativeMarkers 疑问标记（命中即视为提问）
var interrogativeMarkers = []string{
	"?", "？",
	"what", "who", "when", "where", "why", "how", "which", "is ", "are ", "do ", "does ",
	"что", "кто", "когда", "где", "почему", "как", "какой",
}

// analyticalVerbs 分析型动词（命中即视为复杂问题）
var analyticalVerbs = []string{
	"explain", "compare", "describe", "analyze", "analyse", "evaluate", "summarize",
	"объясни", "сравни", "опиши", "проанализируй",
}

// Feedback 上一轮检索的反馈信号（可选；多轮自适应为尽力而为）
type Feedback struct {
	// Quality 上一轮质量分 [0,1]
	Quality float64
	// CandidatesFound 上一轮实际找到的候选数
	CandidatesFound int
	// TargetCount 上一轮期望的候选数
	TargetCount int
}

// AdaptiveController 自适应检索控制器
// 纯函数式：相同输入产生相同输出，无 I/O，可离线测试。
type AdaptiveController struct {
	config AdaptiveConfig
	logger *zap.Logger
}

// NewAdaptiveController 创建控制器
func NewAdaptiveController(config AdaptiveConfig, logger *zap.Logger) *AdaptiveController {
	if config.MaxTopK <= 0 {
		config = DefaultAdaptiveConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptiveController{config: config, logger: logger}
}

// Parameters 根据问题与上一轮反馈计算本轮检索参数
func (c *AdaptiveController) Parameters(question string, baseTopK int, baseThreshold float64, prev *Feedback) RetrievalParameters {
	complexity := c.ClassifyComplexity(question)

	var prevQuality *float64
	if prev != nil {
		q := prev.Quality
		prevQuality = &q
	}

	params := RetrievalParameters{
		TopK:           c.AdjustTopK(baseTopK, complexity, prevQuality),
		ScoreThreshold: c.AdjustThreshold(baseThreshold, complexity, prev),
		Complexity:     complexity,
	}

	c.logger.Debug("retrieval parameters computed",
		zap.String("complexity", string(complexity)),
		zap.Int("top_k", params.TopK),
		zap.Float64("threshold", params.ScoreThreshold))

	return params
}

// ClassifyComplexity 问题复杂度分类
// 短问题（≤5 token）且含疑问标记 → simple；
// 长问题（>15 token）或含分析型动词 → complex；其余 medium。
func (c *AdaptiveController) ClassifyComplexity(question string) Complexity {
	lower := strings.ToLower(question)
	tokens := len(strings.Fields(question))

	if tokens <= c.config.SimpleTokenMax && containsAny(lower, interrogativeMarkers) {
		return ComplexitySimple
	}
	if tokens > c.config.ComplexTokens || containsAny(lower, analyticalVerbs) {
		return ComplexityComplex
	}
	return ComplexityMedium
}

// AdjustTopK 根据复杂度与上一轮质量调整检索宽度
// 结果恒在 [MinTopK, MaxTopK] 内。
func (c *AdaptiveController) AdjustTopK(base int, complexity Complexity, prevQuality *float64) int {
	topK := base
	switch complexity {
	case ComplexitySimple:
		topK -= 2
	case ComplexityComplex:
		topK += 5
	}

	if prevQuality != nil {
		if *prevQuality < 0.5 {
			topK += 3
		} else if *prevQuality > 0.8 {
			topK -= 2
		}
	}

	return clampInt(topK, c.config.MinTopK, c.config.MaxTopK)
}

// AdjustThreshold 根据复杂度与上一轮命中情况调整相似度阈值
// 结果恒在 [MinThreshold, MaxThreshold] 内。
func (c *AdaptiveController) AdjustThreshold(base float64, complexity Complexity, prev *Feedback) float64 {
	threshold := base

	if prev != nil && prev.TargetCount > 0 {
		if prev.CandidatesFound < prev.TargetCount {
			threshold -= 0.1
		} else if prev.CandidatesFound > 2*prev.TargetCount {
			threshold += 0.1
		}
	}

	if complexity == ComplexityComplex {
		threshold -= 0.05
	}

	return clampFloat(threshold, c.config.MinThreshold, c.config.MaxThreshold)
}

// QualityScore 计算候选集质量分
// 候选分数均值（截断到 [0,1]）+ 与达标候选占比成比例的奖励（至多 +0.2）。
func (c *AdaptiveController) QualityScore(candidates []RetrievalCandidate) float64 {
	if len(candidates) == 0 {
		return 0
	}

	sum := 0.0
	acceptable := 0
	for _, cand := range candidates {
		sum += cand.Score
		if cand.Score >= c.config.MinAcceptable {
			acceptable++
		}
	}

	mean := clampFloat(sum/float64(len(candidates)), 0, 1)
	bonus := 0.2 * float64(acceptable) / float64(len(candidates))

	return clampFloat(mean+bonus, 0, 1)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
