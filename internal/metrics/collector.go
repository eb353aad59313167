// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 流水线指标
	pipelineRequestsTotal *prometheus.CounterVec
	pipelineDuration      *prometheus.HistogramVec
	stageDuration         *prometheus.HistogramVec

	// 检索指标
	retrievalCandidates *prometheus.HistogramVec
	retrievalFallbacks  *prometheus.CounterVec
	retrievalQuality    *prometheus.HistogramVec

	// LLM 指标
	llmRequestsTotal *prometheus.CounterVec
	llmFallbacks     *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 入库指标
	ingestedDocuments *prometheus.CounterVec
	ingestedChunks    *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 流水线指标
	c.pipelineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Total number of answer pipeline requests",
		},
		[]string{"status"}, // ok, degraded, error
	)

	c.pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end answer pipeline duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"complexity"},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"}, // retrieve, rerank, generate, format
	)

	// 检索指标
	c.retrievalCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_candidates",
			Help:      "Number of candidates returned by retrieval",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 50},
		},
		[]string{"source"}, // vector, metadata
	)

	c.retrievalFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_fallbacks_total",
			Help:      "Total number of metadata fallback retrievals",
		},
		[]string{"project_id"},
	)

	c.retrievalQuality = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_quality",
			Help:      "Quality score of retrieved candidate sets",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"complexity"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "status"},
	)

	c.llmFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallbacks_total",
			Help:      "Total number of fallback model invocations",
		},
		[]string{"primary", "fallback"},
	)

	c.llmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"backend"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 入库指标
	c.ingestedDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_documents_total",
			Help:      "Total number of ingested documents",
		},
		[]string{"project_id", "status"},
	)

	c.ingestedChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_chunks_total",
			Help:      "Total number of indexed chunks",
		},
		[]string{"project_id"},
	)

	return c
}

// RecordPipelineRequest 记录一次流水线请求
func (c *Collector) RecordPipelineRequest(status, complexity string, duration time.Duration) {
	c.pipelineRequestsTotal.WithLabelValues(status).Inc()
	c.pipelineDuration.WithLabelValues(complexity).Observe(duration.Seconds())
}

// RecordStage 记录单个流水线阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRetrieval 记录一次检索结果
func (c *Collector) RecordRetrieval(source, complexity string, candidates int, quality float64) {
	c.retrievalCandidates.WithLabelValues(source).Observe(float64(candidates))
	c.retrievalQuality.WithLabelValues(complexity).Observe(quality)
}

// RecordRetrievalFallback 记录一次元数据降级检索
func (c *Collector) RecordRetrievalFallback(projectID string) {
	c.retrievalFallbacks.WithLabelValues(projectID).Inc()
}

// RecordLLMRequest 记录一次 LLM 调用
func (c *Collector) RecordLLMRequest(provider, status string, duration time.Duration) {
	c.llmRequestsTotal.WithLabelValues(provider, status).Inc()
	c.llmDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordLLMFallback 记录一次备用模型调用
func (c *Collector) RecordLLMFallback(primary, fallback string) {
	c.llmFallbacks.WithLabelValues(primary, fallback).Inc()
}

// SetBreakerState 更新熔断器状态
func (c *Collector) SetBreakerState(backend string, state int) {
	c.breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordIngestion 记录一次文档入库
func (c *Collector) RecordIngestion(projectID, status string, chunks int) {
	c.ingestedDocuments.WithLabelValues(projectID, status).Inc()
	if chunks > 0 {
		c.ingestedChunks.WithLabelValues(projectID).Add(float64(chunks))
	}
}
