// =============================================================================
// RagPipe 主入口
// =============================================================================
// 检索增强问答流水线的命令行入口
//
// 使用方法:
//
//	ragpipe ask --project p1 "question"       # 回答问题
//	ragpipe ingest --project p1 file.txt      # 文档入库
//	ragpipe ask --config config.yaml ...      # 指定配置文件
//	ragpipe version                           # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/BaSui01/ragpipe/config"
	"github.com/BaSui01/ragpipe/embedding"
	"github.com/BaSui01/ragpipe/internal/metrics"
	"github.com/BaSui01/ragpipe/llm"
	"github.com/BaSui01/ragpipe/llm/circuitbreaker"
	"github.com/BaSui01/ragpipe/llm/tokenizer"
	"github.com/BaSui01/ragpipe/rag"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ask":
		runAsk(os.Args[2:])
	case "ingest":
		runIngest(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// ❓ ask 命令
// =============================================================================

func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	projectID := fs.String("project", "", "Project ID")
	fs.Parse(args)

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *projectID == "" || question == "" {
		fmt.Fprintln(os.Stderr, "Usage: ragpipe ask --project <id> <question>")
		os.Exit(1)
	}

	cfg, logger := mustSetup(*configPath)
	defer logger.Sync()

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	answer, err := app.pipeline.Answer(context.Background(), question, *projectID, rag.AnswerOptions{})
	if err != nil {
		if llm.IsDualFailure(err) {
			// 主备模型均失败：给用户致歉消息，而不是堆栈
			fmt.Println("Sorry, the answering service is temporarily unavailable. Please try again later.")
			logger.Error("both models failed", zap.Error(err))
			os.Exit(1)
		}
		logger.Fatal("Failed to answer", zap.Error(err))
	}

	fmt.Println(answer.Text)
}

// =============================================================================
// 📥 ingest 命令
// =============================================================================

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	projectID := fs.String("project", "", "Project ID")
	fs.Parse(args)

	if *projectID == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ragpipe ingest --project <id> <file> [file...]")
		os.Exit(1)
	}

	cfg, logger := mustSetup(*configPath)
	defer logger.Sync()

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal("Failed to read file", zap.String("path", path), zap.Error(err))
		}

		filename := filepath.Base(path)
		fileType := strings.TrimPrefix(filepath.Ext(path), ".")

		result, err := app.ingestor.Ingest(context.Background(), *projectID, filename, fileType, string(data))
		if err != nil {
			logger.Fatal("Ingestion failed", zap.String("path", path), zap.Error(err))
		}
		fmt.Printf("%s: %d chunks in %s\n", filename, result.Chunks, result.Elapsed)
	}
}

// =============================================================================
// 🔧 应用装配
// =============================================================================

type app struct {
	pipeline *rag.Pipeline
	ingestor *rag.Ingestor
}

func mustSetup(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	logger.Info("Starting RagPipe",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)
	return cfg, logger
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	// 指标
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
		go serveMetrics(cfg.Metrics.Port, logger)
	}

	// 嵌入：OpenAI 兼容后端 + 缓存 + 熔断
	var embedder embedding.Provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		MaxBatch:   cfg.Embedding.MaxBatch,
		Timeout:    cfg.Embedding.Timeout,
	})

	var cache embedding.Cache
	if cfg.Redis.Enabled {
		cache = embedding.NewRedisCache(embedding.RedisCacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
	} else {
		cache = embedding.NewMemoryCache()
	}
	embedder = embedding.NewCachedProvider(embedder, cache, logger)
	embedder = embedding.NewGuardedProvider(embedder, circuitbreaker.DefaultConfig(), logger)

	// LLM：主备双模型
	primary := llm.NewOpenAICompatProvider(llm.OpenAICompatConfig{
		Name:    cfg.LLM.Primary.Name,
		BaseURL: cfg.LLM.Primary.BaseURL,
		APIKey:  cfg.LLM.Primary.APIKey,
		Model:   cfg.LLM.Primary.Model,
		Timeout: cfg.LLM.Primary.Timeout,
	})
	fallback := llm.NewOpenAICompatProvider(llm.OpenAICompatConfig{
		Name:    cfg.LLM.Fallback.Name,
		BaseURL: cfg.LLM.Fallback.BaseURL,
		APIKey:  cfg.LLM.Fallback.APIKey,
		Model:   cfg.LLM.Fallback.Model,
		Timeout: cfg.LLM.Fallback.Timeout,
	})

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.LLM.FailureThreshold
	breakerCfg.SuccessThreshold = cfg.LLM.SuccessThreshold
	breakerCfg.ResetTimeout = cfg.LLM.ResetTimeout

	provider := llm.NewFallbackProvider(primary, fallback, llm.FallbackConfig{
		PrimaryTimeout:  cfg.LLM.Primary.Timeout,
		FallbackTimeout: cfg.LLM.Fallback.Timeout,
		RatePerSecond:   cfg.LLM.RatePerSecond,
		BreakerConfig:   breakerCfg,
	}, logger)

	// 向量存储
	store := rag.NewQdrantStore(rag.QdrantConfig{
		Host:    cfg.Qdrant.Host,
		Port:    cfg.Qdrant.Port,
		APIKey:  cfg.Qdrant.APIKey,
		Timeout: cfg.Qdrant.Timeout,
	}, logger)

	// 文档元数据库
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	documents, err := rag.NewDocumentStore(db, logger)
	if err != nil {
		return nil, err
	}

	// 流水线组件
	chunker := rag.NewChunker(rag.ChunkingConfig{
		Size:       cfg.Chunking.Size,
		Overlap:    cfg.Chunking.Overlap,
		ParentSize: cfg.Chunking.ParentSize,
		ChildSize:  cfg.Chunking.ChildSize,
	}, tokenizer.ForModel(cfg.LLM.Primary.Model), logger)

	controller := rag.NewAdaptiveController(rag.AdaptiveConfig{
		MinTopK:        cfg.Retrieval.MinTopK,
		MaxTopK:        cfg.Retrieval.MaxTopK,
		MinThreshold:   cfg.Retrieval.MinThreshold,
		MaxThreshold:   cfg.Retrieval.MaxThreshold,
		MinAcceptable:  0.5,
		SimpleTokenMax: 5,
		ComplexTokens:  15,
	}, logger)

	retriever := rag.NewRetriever(store, embedder, documents, rag.RetrieverConfig{
		Weights: rag.SpaceWeights{
			rag.SpaceSemantic: cfg.Retrieval.SemanticWeight,
			rag.SpaceKeyword:  cfg.Retrieval.KeywordWeight,
			rag.SpaceSummary:  cfg.Retrieval.SummaryWeight,
		},
		QueryTimeout: cfg.Retrieval.QueryTimeout,
	}, logger)

	reranker := rag.NewReranker(nil, rag.DefaultRerankerConfig(), logger)
	prompts := rag.NewPromptBuilder(rag.PromptConfig{
		MaxHistoryTurns: cfg.Pipeline.MaxHistoryTurns,
		MaxAnswerLength: cfg.Pipeline.MaxAnswerLength,
	}, logger)
	formatter := rag.NewFormatter(rag.DefaultFormatterConfig(), logger)

	pipeline := rag.NewPipeline(controller, retriever, reranker, prompts, provider, formatter, rag.PipelineConfig{
		BaseTopK:        cfg.Pipeline.BaseTopK,
		BaseThreshold:   cfg.Pipeline.BaseThreshold,
		MaxTokens:       cfg.LLM.Primary.MaxTokens,
		Temperature:     cfg.LLM.Primary.Temperature,
		MaxAnswerLength: cfg.Pipeline.MaxAnswerLength,
	}, collector, logger)

	ingestor := rag.NewIngestor(chunker, embedder, store, documents, rag.IngestConfig{
		Chunking: rag.ChunkingConfig{
			Size:       cfg.Chunking.Size,
			Overlap:    cfg.Chunking.Overlap,
			ParentSize: cfg.Chunking.ParentSize,
			ChildSize:  cfg.Chunking.ChildSize,
		},
		Hierarchical: cfg.Chunking.Hierarchical,
		EmbedBatch:   cfg.Embedding.MaxBatch,
	}, logger)

	return &app{pipeline: pipeline, ingestor: ingestor}, nil
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// openDatabase 根据配置打开数据库连接
func openDatabase(dbCfg config.DatabaseConfig) (*gorm.DB, error) {
	switch dbCfg.Driver {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dbCfg.DSN()), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite)", dbCfg.Driver)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("RagPipe %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`RagPipe - Retrieval-Augmented Answering Pipeline

Usage:
  ragpipe <command> [options]

Commands:
  ask       Answer a question within a project
  ingest    Ingest documents into a project
  version   Show version information
  help      Show this help message

Options:
  --config <path>    Path to configuration file (YAML)
  --project <id>     Project ID

Examples:
  ragpipe ask --project p1 "How does billing work?"
  ragpipe ingest --project p1 handbook.txt
  ragpipe ask --config /etc/ragpipe/config.yaml --project p1 "..."
  ragpipe version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}

	// 构建 logger
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
