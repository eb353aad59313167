package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ---------------------------------------------------------------------------
// 默认值
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.BaseTopK)
	assert.InDelta(t, 0.5, cfg.Pipeline.BaseThreshold, 1e-9)
	assert.Equal(t, 4000, cfg.Pipeline.MaxAnswerLength)
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 3, cfg.Retrieval.MinTopK)
	assert.Equal(t, 20, cfg.Retrieval.MaxTopK)
	assert.InDelta(t, 0.6, cfg.Retrieval.SemanticWeight, 1e-9)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Primary.Model)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Fallback.Model)
	assert.Equal(t, 5, cfg.LLM.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.LLM.ResetTimeout)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6333, cfg.Qdrant.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	require.NoError(t, cfg.Validate())
}

// ---------------------------------------------------------------------------
// YAML 文件
// ---------------------------------------------------------------------------

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  base_top_k: 8
  base_threshold: 0.6
llm:
  primary:
    model: gpt-4o
    timeout: 30s
retrieval:
  query_timeout: 5s
redis:
  enabled: true
  addr: redis.internal:6379
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.BaseTopK)
	assert.InDelta(t, 0.6, cfg.Pipeline.BaseThreshold, 1e-9)
	assert.Equal(t, "gpt-4o", cfg.LLM.Primary.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Primary.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Retrieval.QueryTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)

	// 未覆盖的字段保持默认值
	assert.Equal(t, 4000, cfg.Pipeline.MaxAnswerLength)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Fallback.Model)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pipeline.BaseTopK)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "pipeline: [not a mapping")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// 环境变量覆盖
// ---------------------------------------------------------------------------

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	path := writeConfigFile(t, "pipeline:\n  base_top_k: 8\n")

	t.Setenv("RAGPIPE_PIPELINE_BASE_TOP_K", "12")
	t.Setenv("RAGPIPE_PIPELINE_BASE_THRESHOLD", "0.7")
	t.Setenv("RAGPIPE_LLM_PRIMARY_API_KEY", "sk-test")
	t.Setenv("RAGPIPE_LLM_PRIMARY_TIMEOUT", "90s")
	t.Setenv("RAGPIPE_REDIS_ENABLED", "true")
	t.Setenv("RAGPIPE_LOG_OUTPUT_PATHS", "stdout, /var/log/ragpipe.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Pipeline.BaseTopK)
	assert.InDelta(t, 0.7, cfg.Pipeline.BaseThreshold, 1e-9)
	assert.Equal(t, "sk-test", cfg.LLM.Primary.APIKey)
	assert.Equal(t, 90*time.Second, cfg.LLM.Primary.Timeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/ragpipe.log"}, cfg.Log.OutputPaths)
}

func TestLoad_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_PIPELINE_BASE_TOP_K", "7")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pipeline.BaseTopK)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("RAGPIPE_PIPELINE_BASE_TOP_K", "not-a-number")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoad_ValidatorRuns(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

// ---------------------------------------------------------------------------
// 验证
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults valid", func(*Config) {}, true},
		{"zero top_k", func(c *Config) { c.Pipeline.BaseTopK = 0 }, false},
		{"threshold above one", func(c *Config) { c.Pipeline.BaseThreshold = 1.5 }, false},
		{"overlap not below size", func(c *Config) { c.Chunking.Overlap = c.Chunking.Size }, false},
		{"min above max top_k", func(c *Config) { c.Retrieval.MinTopK = 30 }, false},
		{"min above max threshold", func(c *Config) { c.Retrieval.MinThreshold = 0.9 }, false},
		{"temperature above two", func(c *Config) { c.LLM.Primary.Temperature = 2.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// DSN
// ---------------------------------------------------------------------------

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			"sqlite returns file path",
			DatabaseConfig{Driver: "sqlite", Name: "ragpipe.db"},
			"ragpipe.db",
		},
		{
			"postgres",
			DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "rag", Password: "pw", Name: "ragpipe", SSLMode: "disable"},
			"host=db port=5432 user=rag password=pw dbname=ragpipe sslmode=disable",
		},
		{
			"mysql",
			DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "rag", Password: "pw", Name: "ragpipe"},
			"rag:pw@tcp(db:3306)/ragpipe?parseTime=true",
		},
		{
			"unknown driver",
			DatabaseConfig{Driver: "oracle"},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}
