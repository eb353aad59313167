package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/ragpipe/llm/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FallbackConfig 主备双模型配置
// 主模型使用短超时（优先延迟），备用模型使用长超时（优先成功率）。
type FallbackConfig struct {
	// PrimaryTimeout 主模型单次调用超时
	PrimaryTimeout time.Duration
	// FallbackTimeout 备用模型单次调用超时
	FallbackTimeout time.Duration
	// RatePerSecond 客户端限流（0 表示不限流）
	RatePerSecond float64
	// RateBurst 限流突发容量
	RateBurst int
	// BreakerConfig 每个后端独立的熔断器配置
	BreakerConfig *circuitbreaker.Config
}

// DefaultFallbackConfig 返回默认配置
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		PrimaryTimeout:  20 * time.Second,
		FallbackTimeout: 45 * time.Second,
		RatePerSecond:   0,
		RateBurst:       1,
		BreakerConfig:   circuitbreaker.DefaultConfig(),
	}
}

// DualFailureError 主备双模型均失败时的聚合错误
type DualFailureError struct {
	PrimaryName  string
	FallbackName string
	PrimaryErr   error
	FallbackErr  error
}

func (e *DualFailureError) Error() string {
	return fmt.Sprintf("both models failed: %s: %v; %s: %v",
		e.PrimaryName, e.PrimaryErr, e.FallbackName, e.FallbackErr)
}

func (e *DualFailureError) Unwrap() []error {
	return []error{e.PrimaryErr, e.FallbackErr}
}

// IsDualFailure 判断错误是否为主备双失败
func IsDualFailure(err error) bool {
	var dual *DualFailureError
	return errors.As(err, &dual)
}

// FallbackProvider 主备双模型 Provider
// 遵循装饰器模式：每个后端独立熔断，持续失败的主模型在熔断窗口内不再被尝试。
type FallbackProvider struct {
	primary  Provider
	fallback Provider

	primaryBreaker  circuitbreaker.CircuitBreaker
	fallbackBreaker circuitbreaker.CircuitBreaker
	limiter         *rate.Limiter

	cfg    FallbackConfig
	logger *zap.Logger
}

// NewFallbackProvider 创建主备双模型 Provider
func NewFallbackProvider(primary, fallback Provider, cfg FallbackConfig, logger *zap.Logger) *FallbackProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = 20 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 45 * time.Second
	}

	breakerFor := func(name string, timeout time.Duration) circuitbreaker.CircuitBreaker {
		bcfg := circuitbreaker.DefaultConfig()
		if cfg.BreakerConfig != nil {
			copied := *cfg.BreakerConfig
			bcfg = &copied
		}
		bcfg.Timeout = timeout
		bcfg.IsIgnorable = isNonBreakerError
		return circuitbreaker.NewCircuitBreaker(bcfg, logger.With(zap.String("backend", name)))
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &FallbackProvider{
		primary:         primary,
		fallback:        fallback,
		primaryBreaker:  breakerFor(primary.Name(), cfg.PrimaryTimeout),
		fallbackBreaker: breakerFor(fallback.Name(), cfg.FallbackTimeout),
		limiter:         limiter,
		cfg:             cfg,
		logger:          logger.With(zap.String("component", "fallback_provider")),
	}
}

// isNonBreakerError 客户端类错误不计入熔断失败
func isNonBreakerError(err error) bool {
	var lerr *Error
	if errors.As(err, &lerr) {
		switch lerr.Code {
		case ErrInvalidRequest, ErrUnauthorized, ErrForbidden, ErrQuotaExceeded:
			return true
		}
	}
	return false
}

// Completion 实现 Provider.Completion
// 先尝试主模型；任何失败都记录日志并尝试备用模型；两者均失败返回聚合错误。
func (p *FallbackProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, primaryErr := p.attempt(ctx, p.primary, p.primaryBreaker, req)
	if primaryErr == nil {
		return resp, nil
	}

	p.logger.Warn("primary model failed, trying fallback",
		zap.String("primary", p.primary.Name()),
		zap.String("fallback", p.fallback.Name()),
		zap.Error(primaryErr))

	resp, fallbackErr := p.attempt(ctx, p.fallback, p.fallbackBreaker, req)
	if fallbackErr == nil {
		return resp, nil
	}

	return nil, &DualFailureError{
		PrimaryName:  p.primary.Name(),
		FallbackName: p.fallback.Name(),
		PrimaryErr:   primaryErr,
		FallbackErr:  fallbackErr,
	}
}

// attempt 通过熔断器执行单个后端调用
func (p *FallbackProvider) attempt(ctx context.Context, provider Provider, breaker circuitbreaker.CircuitBreaker, req *ChatRequest) (*ChatResponse, error) {
	return circuitbreaker.CallWithResultTyped(breaker, ctx, func() (*ChatResponse, error) {
		resp, err := provider.Completion(ctx, req)
		if err != nil {
			return nil, err
		}
		// 空响应视为失败：上层绝不向用户透传空文本
		if resp.Text() == "" {
			return nil, &Error{
				Code:      ErrEmptyResponse,
				Message:   "provider returned empty completion",
				Retryable: true,
				Provider:  provider.Name(),
			}
		}
		return resp, nil
	})
}

// Name 实现 Provider.Name
func (p *FallbackProvider) Name() string {
	return fmt.Sprintf("%s+%s", p.primary.Name(), p.fallback.Name())
}

// PrimaryState 返回主模型熔断器状态（用于监控）
func (p *FallbackProvider) PrimaryState() circuitbreaker.State {
	return p.primaryBreaker.State()
}

// FallbackState 返回备用模型熔断器状态（用于监控）
func (p *FallbackProvider) FallbackState() circuitbreaker.State {
	return p.fallbackBreaker.State()
}
