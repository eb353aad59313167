// Package embedding 提供向量化网关：
// 统一的嵌入后端接口、内容哈希缓存与熔断保护。
package embedding

import (
	"context"

	"github.com/BaSui01/ragpipe/llm/circuitbreaker"
	"go.uber.org/zap"
)

// Provider 嵌入后端接口
// 后端可以是远程 API 或本地模型，替换实现不影响检索逻辑。
type Provider interface {
	// Embed 嵌入单个文本
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch 批量嵌入多个文本（顺序与输入一致）
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions 返回向量维度
	Dimensions() int

	// Model 返回嵌入模型名称（参与缓存键，模型变更自动失效）
	Model() string
}

// GuardedProvider 熔断保护的嵌入 Provider 装饰器
type GuardedProvider struct {
	provider Provider
	breaker  circuitbreaker.CircuitBreaker
}

// NewGuardedProvider 为嵌入后端添加熔断保护
func NewGuardedProvider(provider Provider, cfg *circuitbreaker.Config, logger *zap.Logger) *GuardedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedProvider{
		provider: provider,
		breaker:  circuitbreaker.NewCircuitBreaker(cfg, logger.With(zap.String("backend", "embedding"))),
	}
}

func (g *GuardedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	result, err := g.breaker.CallWithResult(ctx, func() (any, error) {
		return g.provider.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}

func (g *GuardedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	result, err := g.breaker.CallWithResult(ctx, func() (any, error) {
		return g.provider.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float64), nil
}

func (g *GuardedProvider) Dimensions() int { return g.provider.Dimensions() }
func (g *GuardedProvider) Model() string   { return g.provider.Model() }

// BreakerState 返回熔断器状态（用于监控）
func (g *GuardedProvider) BreakerState() circuitbreaker.State { return g.breaker.State() }
