package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingProvider 记录调用次数的嵌入测试替身
type countingProvider struct {
	model      string
	vector     []float64
	err        error
	embedCalls int
	batchCalls int
}

func (p *countingProvider) Embed(_ context.Context, _ string) ([]float64, error) {
	p.embedCalls++
	if p.err != nil {
		return nil, p.err
	}
	return p.vector, nil
}

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	p.batchCalls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = p.vector
	}
	return out, nil
}

func (p *countingProvider) Dimensions() int { return len(p.vector) }
func (p *countingProvider) Model() string   { return p.model }

// failingCache 始终返回错误的缓存测试替身
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]float64, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, []float64) error {
	return errors.New("cache down")
}

// ---------------------------------------------------------------------------
// 缓存键
// ---------------------------------------------------------------------------

func TestCacheKey(t *testing.T) {
	a := CacheKey("model-a", "some text")
	b := CacheKey("model-b", "some text")
	c := CacheKey("model-a", "other text")

	// 模型名与文本都参与哈希
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, CacheKey("model-a", "some text"))
	assert.True(t, len(a) > len("emb:"))
}

// ---------------------------------------------------------------------------
// 内存缓存
// ---------------------------------------------------------------------------

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []float64{1, 2, 3}))

	vec, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, vec)
	assert.Equal(t, 1, cache.Len())
}

// ---------------------------------------------------------------------------
// Redis 缓存
// ---------------------------------------------------------------------------

func newTestRedisCache(t *testing.T, ttl time.Duration) *RedisCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheWithClient(client, ttl, zap.NewNop())
}

func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestRedisCache(t, 0)

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []float64{0.5, -1.25}))

	vec, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float64{0.5, -1.25}, vec)
}

func TestRedisCache_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, srv.Set("k", "not json"))

	cache := NewRedisCacheWithClient(client, 0, zap.NewNop())
	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// 缓存装饰器
// ---------------------------------------------------------------------------

func TestCachedProvider_EmbedHitSkipsBackend(t *testing.T) {
	ctx := context.Background()
	backend := &countingProvider{model: "m", vector: []float64{1, 0}}
	cached := NewCachedProvider(backend, NewMemoryCache(), zap.NewNop())

	first, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.embedCalls)
}

func TestCachedProvider_BatchOnlyEmbedsMisses(t *testing.T) {
	ctx := context.Background()
	backend := &countingProvider{model: "m", vector: []float64{1, 0}}
	cache := NewMemoryCache()
	cached := NewCachedProvider(backend, cache, zap.NewNop())

	// 预热其中一条
	_, err := cached.Embed(ctx, "warm")
	require.NoError(t, err)
	backend.embedCalls = 0

	vectors, err := cached.EmbedBatch(ctx, []string{"warm", "cold"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{1, 0}, vectors[0])
	assert.Equal(t, []float64{1, 0}, vectors[1])
	assert.Equal(t, 1, backend.batchCalls)

	// 第二次全部命中
	_, err = cached.EmbedBatch(ctx, []string{"warm", "cold"})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.batchCalls)
}

func TestCachedProvider_CacheFailureDegradesToBackend(t *testing.T) {
	ctx := context.Background()
	backend := &countingProvider{model: "m", vector: []float64{1, 0}}
	cached := NewCachedProvider(backend, failingCache{}, zap.NewNop())

	vec, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, vec)
	assert.Equal(t, 1, backend.embedCalls)
}

// miscountProvider 返回数量不符的向量
type miscountProvider struct {
	countingProvider
}

func (p *miscountProvider) EmbedBatch(context.Context, []string) ([][]float64, error) {
	return [][]float64{{1, 0}}, nil
}

func TestCachedProvider_BatchCountMismatchIsError(t *testing.T) {
	backend := &miscountProvider{countingProvider{model: "m", vector: []float64{1, 0}}}
	cached := NewCachedProvider(backend, NewMemoryCache(), zap.NewNop())

	_, err := cached.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestCachedProvider_BackendErrorPropagates(t *testing.T) {
	backend := &countingProvider{model: "m", err: errors.New("upstream down")}
	cached := NewCachedProvider(backend, NewMemoryCache(), zap.NewNop())

	_, err := cached.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestCachedProvider_ModelChangesKey(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	first := &countingProvider{model: "model-a", vector: []float64{1, 0}}
	_, err := NewCachedProvider(first, cache, zap.NewNop()).Embed(ctx, "hello")
	require.NoError(t, err)

	// 换模型后同一文本不命中旧条目
	second := &countingProvider{model: "model-b", vector: []float64{0, 1}}
	vec, err := NewCachedProvider(second, cache, zap.NewNop()).Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, vec)
	assert.Equal(t, 1, second.embedCalls)
	assert.Equal(t, 2, cache.Len())
}
