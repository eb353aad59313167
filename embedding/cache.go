package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache 嵌入向量缓存接口
// 键为文本内容哈希；模型名参与哈希，因此嵌入模型变更自动失效。
type Cache interface {
	Get(ctx context.Context, key string) ([]float64, bool, error)
	Set(ctx context.Context, key string, vector []float64) error
}

// CacheKey 计算缓存键：sha256(model + NUL + text)
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "emb:" + hex.EncodeToString(h.Sum(nil))
}

// ====== 内存缓存 ======

// MemoryCache 进程内嵌入缓存（无过期）
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float64
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]float64)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[key]
	return vec, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, vector []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = vector
	return nil
}

// Len 返回缓存条目数（用于测试和监控）
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ====== Redis 缓存 ======

// RedisCacheConfig Redis 嵌入缓存配置
type RedisCacheConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"` // 0 表示不过期
}

// RedisCache Redis 嵌入缓存
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache 创建 Redis 嵌入缓存
func NewRedisCache(cfg RedisCacheConfig, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

// NewRedisCacheWithClient 使用现有客户端创建（用于测试）
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float64, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var vector []float64
	if err := json.Unmarshal(data, &vector); err != nil {
		// 损坏的缓存条目按未命中处理
		c.logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return vector, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, vector []float64) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error { return c.client.Close() }

// ====== 缓存装饰器 ======

// CachedProvider 带缓存的嵌入 Provider 装饰器
type CachedProvider struct {
	provider Provider
	cache    Cache
	logger   *zap.Logger
}

// NewCachedProvider 为嵌入后端添加缓存
func NewCachedProvider(provider Provider, cache Cache, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		provider: provider,
		cache:    cache,
		logger:   logger.With(zap.String("component", "cached_embedding")),
	}
}

// Embed 实现 Provider.Embed
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	key := CacheKey(p.provider.Model(), text)

	if vec, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		return vec, nil
	} else if err != nil {
		// 缓存故障只降级，不影响嵌入
		p.logger.Warn("embedding cache get failed", zap.Error(err))
	}

	vec, err := p.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := p.cache.Set(ctx, key, vec); err != nil {
		p.logger.Warn("embedding cache set failed", zap.Error(err))
	}
	return vec, nil
}

// EmbedBatch 实现 Provider.EmbedBatch
// 命中的条目直接取缓存，仅对未命中部分调用后端。
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		key := CacheKey(p.provider.Model(), text)
		if vec, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		fresh, err := p.provider.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(fresh) != len(missTexts) {
			return nil, fmt.Errorf("embedding count mismatch: got=%d want=%d", len(fresh), len(missTexts))
		}
		for j, idx := range missIdx {
			vectors[idx] = fresh[j]
			key := CacheKey(p.provider.Model(), missTexts[j])
			if err := p.cache.Set(ctx, key, fresh[j]); err != nil {
				p.logger.Warn("embedding cache set failed", zap.Error(err))
			}
		}
	}

	p.logger.Debug("embed batch served",
		zap.Int("total", len(texts)),
		zap.Int("misses", len(missTexts)))

	return vectors, nil
}

func (p *CachedProvider) Dimensions() int { return p.provider.Dimensions() }
func (p *CachedProvider) Model() string   { return p.provider.Model() }
