package rag

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// CrossEncoderScorer Cross-Encoder 评分接口
// 对 (query, text) 对给出相关性原始分；负值区间输出会被归一化。
type CrossEncoderScorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// RerankerConfig 重排序配置
// 混合权重为手工调优的默认值，可按场景覆盖。
type RerankerConfig struct {
	// Cross-Encoder 路径权重：final = OriginalWeight*orig + CrossWeight*cross
	OriginalWeight float64 `yaml:"original_weight"`
	CrossWeight    float64 `yaml:"cross_weight"`

	// 启发式路径权重：final = HeuristicOriginalWeight*orig +
	// OverlapWeight*overlap + PhraseWeight*phrase + lengthBonus
	HeuristicOriginalWeight float64 `yaml:"heuristic_original_weight"`
	OverlapWeight           float64 `yaml:"overlap_weight"`
	PhraseWeight            float64 `yaml:"phrase_weight"`
}

// DefaultRerankerConfig 默认配置
func DefaultRerankerConfig() RerankerConfig {
	return RerankerConfig{
		OriginalWeight:          0.3,
		CrossWeight:             0.7,
		HeuristicOriginalWeight: 0.4,
		OverlapWeight:           0.4,
		PhraseWeight:            0.2,
	}
}

// stopWords 关键词重叠计算排除的停用词
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "to": true, "of": true, "and": true, "or": true,
	"in": true, "on": true, "at": true, "for": true, "with": true, "by": true,
	"it": true, "this": true, "that": true, "what": true, "how": true,
	"и": true, "в": true, "на": true, "с": true, "по": true, "не": true,
	"что": true, "как": true, "это": true, "для": true,
}

// Reranker 重排序器
// 能力在构造时确定一次：有 Cross-Encoder 则走学习评分路径，
// 否则走启发式路径；不做逐次调用的运行时探测。
type Reranker struct {
	scorer CrossEncoderScorer // nil 表示仅启发式
	config RerankerConfig
	logger *zap.Logger
}

// NewReranker 创建重排序器
func NewReranker(scorer CrossEncoderScorer, config RerankerConfig, logger *zap.Logger) *Reranker {
	if config.CrossWeight == 0 && config.OriginalWeight == 0 {
		config = DefaultRerankerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{scorer: scorer, config: config, logger: logger}
}

// Rerank 重排序候选
// 评分过程中的任何异常都降级为按输入顺序截断返回，绝不向上传播。
func (r *Reranker) Rerank(ctx context.Context, question string, candidates []RetrievalCandidate, topK int) (out []RetrievalCandidate) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rerank scoring panicked, returning input order",
				zap.Any("panic", rec))
			out = truncate(candidates, topK)
		}
	}()

	if len(candidates) == 0 {
		return candidates
	}

	scored := make([]RetrievalCandidate, len(candidates))
	copy(scored, candidates)

	if r.scorer != nil {
		if err := r.crossEncoderScore(ctx, question, scored); err != nil {
			r.logger.Warn("cross-encoder scoring failed, falling back to heuristic",
				zap.Error(err))
			r.heuristicScore(question, scored)
		}
	} else {
		r.heuristicScore(question, scored)
	}

	// 降序稳定排序：分数相同保持原始检索顺序
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})

	return truncate(scored, topK)
}

// crossEncoderScore 学习评分路径：0.3*原始分 + 0.7*归一化交叉编码分
func (r *Reranker) crossEncoderScore(ctx context.Context, question string, candidates []RetrievalCandidate) error {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	raw, err := r.scorer.Score(ctx, question, texts)
	if err != nil {
		return err
	}
	if len(raw) != len(candidates) {
		r.heuristicScore(question, candidates)
		return nil
	}

	// 负值区间输出用 sigmoid 归一化到 [0,1]
	negative := false
	for _, s := range raw {
		if s < 0 {
			negative = true
			break
		}
	}

	for i := range candidates {
		cross := raw[i]
		if negative {
			cross = 1.0 / (1.0 + math.Exp(-cross))
		}
		blended := candidates[i].Score*r.config.OriginalWeight + cross*r.config.CrossWeight
		candidates[i].RerankScore = clampFloat(blended, 0, 1)
	}
	return nil
}

// heuristicScore 启发式路径：关键词重叠 + 短语匹配 + 长度奖惩
func (r *Reranker) heuristicScore(question string, candidates []RetrievalCandidate) {
	queryKeywords := keywords(question)

	for i := range candidates {
		text := candidates[i].Text
		overlap := keywordOverlap(queryKeywords, keywords(text))
		phrase := phraseBonus(queryKeywords, strings.ToLower(text))

		score := candidates[i].Score*r.config.HeuristicOriginalWeight +
			overlap*r.config.OverlapWeight +
			phrase*r.config.PhraseWeight +
			lengthBonus(text)

		candidates[i].RerankScore = clampFloat(score, 0, 1)
	}
}

// keywords 小写分词并去除停用词
func keywords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}«»")
		if f == "" || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// keywordOverlap 查询关键词在文本中的命中比例
func keywordOverlap(queryKeywords, docKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(docKeywords))
	for _, k := range docKeywords {
		docSet[k] = true
	}
	matched := 0
	for _, k := range queryKeywords {
		if docSet[k] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryKeywords))
}

// phraseBonus 相邻查询词组成的短语在文本中的命中奖励，上限 0.5
func phraseBonus(queryKeywords []string, lowerText string) float64 {
	if len(queryKeywords) < 2 {
		return 0
	}
	bonus := 0.0
	for i := 0; i+1 < len(queryKeywords); i++ {
		if strings.Contains(lowerText, queryKeywords[i]+" "+queryKeywords[i+1]) {
			bonus += 0.25
		}
	}
	if bonus > 0.5 {
		bonus = 0.5
	}
	return bonus
}

// lengthBonus 长度奖惩：适中 +0.1，过短 −0.2，过长 −0.1
// 区间按字符数计算，多字节文本不受编码长度影响。
func lengthBonus(text string) float64 {
	n := utf8.RuneCountInString(text)
	switch {
	case n < 50:
		return -0.2
	case n >= 200 && n <= 500:
		return 0.1
	case n > 2000:
		return -0.1
	default:
		return 0
	}
}

func truncate(candidates []RetrievalCandidate, topK int) []RetrievalCandidate {
	if topK > 0 && len(candidates) > topK {
		return candidates[:topK]
	}
	return candidates
}
