package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.pipelineRequestsTotal)
	assert.NotNil(t, collector.stageDuration)
	assert.NotNil(t, collector.retrievalCandidates)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.cacheHits)
}

func TestCollector_RecordPipelineRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录请求
	collector.RecordPipelineRequest("ok", "medium", 300*time.Millisecond)

	// 验证指标
	count := testutil.CollectAndCount(collector.pipelineRequestsTotal)
	assert.Greater(t, count, 0)

	// 再记录一次不同状态
	collector.RecordPipelineRequest("degraded", "simple", 100*time.Millisecond)

	newCount := testutil.CollectAndCount(collector.pipelineRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordRetrieval(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRetrieval("vector", "complex", 12, 0.74)
	collector.RecordRetrievalFallback("proj-1")

	assert.Greater(t, testutil.CollectAndCount(collector.retrievalCandidates), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.retrievalFallbacks), 0)
}

func TestCollector_RecordLLM(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordLLMRequest("openai", "ok", 2*time.Second)
	collector.RecordLLMFallback("openai", "deepseek")
	collector.SetBreakerState("openai", 1)

	assert.Greater(t, testutil.CollectAndCount(collector.llmRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.llmFallbacks), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.breakerState), 0)
}

func TestCollector_RecordCacheAndIngestion(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCacheHit("embedding")
	collector.RecordCacheMiss("embedding")
	collector.RecordIngestion("proj-1", "ok", 42)

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.ingestedChunks), 0)
}
