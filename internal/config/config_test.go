package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err, "无法创建临时目录")
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644), "无法写入临时配置文件")
	return configPath
}

// TestLoadConfig_AppliesDefaults 验证未填写的字段会被默认值补齐
func TestLoadConfig_AppliesDefaults(t *testing.T) {
	configPath := writeTempConfig(t, `
server:
  address: ":9090"
pipeline:
  top_k_resumes: 5
`)

	config, err := LoadConfig(configPath)
	require.NoError(t, err, "加载配置不应返回错误")

	assert.Equal(t, ":9090", config.Server.Address)
	assert.Equal(t, 5, config.Pipeline.TopKResumes)
	assert.Equal(t, 1000, config.Pipeline.ChunkSize)
	assert.Equal(t, 200, config.Pipeline.ChunkOverlap)
	assert.Equal(t, "max", config.Pipeline.Aggregator)
	assert.Equal(t, "memory", config.VectorStore.Backend)
	assert.Equal(t, "fixed", config.Readiness.Backoff)
	assert.Equal(t, config.Embedding.Dimensions, config.Qdrant.Dimension, "Qdrant维度应跟随embedding维度")
}

// TestLoadConfig_ZeroOverlapIsKept 显式配置 chunk_overlap: 0 表示不重叠，不能被默认值覆盖
func TestLoadConfig_ZeroOverlapIsKept(t *testing.T) {
	configPath := writeTempConfig(t, `
pipeline:
  chunk_size: 500
  chunk_overlap: 0
`)
	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 500, config.Pipeline.ChunkSize)
	assert.Equal(t, 0, config.Pipeline.ChunkOverlap)

	configPath = writeTempConfig(t, `
pipeline:
  chunk_overlap: -10
`)
	_, err = LoadConfig(configPath)
	assert.Error(t, err, "负数重叠应报错")
}

// TestLoadConfig_EnvOverrides 验证环境变量覆盖密钥与地址
func TestLoadConfig_EnvOverrides(t *testing.T) {
	configPath := writeTempConfig(t, `
llm:
  api_key: "from-file"
`)
	t.Setenv("LLM_API_KEY", "from-env")
	t.Setenv("REDIS_ADDRESS", "redis:6380")

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", config.LLM.APIKey)
	assert.Equal(t, "redis:6380", config.Redis.Address)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err, "空路径应返回错误")

	_, err = LoadConfig("/path/does/not/exist.yaml")
	assert.Error(t, err, "不存在的文件应返回错误")

	badYAML := writeTempConfig(t, "pipeline: [unclosed")
	_, err = LoadConfig(badYAML)
	assert.Error(t, err, "非法YAML应返回错误")
}

// TestLoadConfig_Validation 验证相互依赖的配置项
func TestLoadConfig_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{
			name: "overlap不小于chunk_size",
			content: `
pipeline:
  chunk_size: 100
  chunk_overlap: 100
`,
		},
		{
			name: "qdrant维度与embedding不一致",
			content: `
vector_store:
  backend: qdrant
embedding:
  dimensions: 768
qdrant:
  dimension: 1024
`,
		},
		{
			name: "未知聚合方式",
			content: `
pipeline:
  aggregator: median
`,
		},
		{
			name: "未知退避策略",
			content: `
readiness:
  backoff: random
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestCreateSampleConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "sample.yaml")

	require.NoError(t, CreateSampleConfig(path))
	assert.Error(t, CreateSampleConfig(path), "已存在的文件不应被覆盖")

	config, err := LoadConfig(path)
	require.NoError(t, err, "示例配置应能被重新加载")
	assert.Equal(t, DefaultConfig().Pipeline, config.Pipeline)
}

func TestGetDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, GetDuration("3s", time.Minute))
	assert.Equal(t, time.Minute, GetDuration("", time.Minute))
	assert.Equal(t, time.Minute, GetDuration("not-a-duration", time.Minute))
}
