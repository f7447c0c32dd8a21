package pipeline

import (
	"context"
	"time"

	"resume-ranker/internal/evaluator"
)

// Embedder 文本向量化，入库与查询共用同一实现以保证模型一致
type Embedder interface {
	// Model 当前使用的embedding模型名称，写入每条向量记录并用于检索过滤
	Model() string

	// Embed 向量化单条文本
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedAll 向量化多条文本，结果顺序与输入一致
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// Locker 按简历ID串行化入库与删除
type Locker interface {
	// Lock 阻塞直到获得 key 的锁或 ctx 结束，返回的 unlock 可重复调用
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// QueryVectorCache 岗位描述向量缓存，模型版本不一致视为未命中
type QueryVectorCache interface {
	GetQueryVector(ctx context.Context, jobDescription string, modelVersion string) ([]float32, error)
	SetQueryVector(ctx context.Context, jobDescription string, vector []float32, modelVersion string, ttl time.Duration) error
}

// Evaluator 对排序后的简历做结构化评估
type Evaluator interface {
	EvaluateAll(ctx context.Context, jobDescription string, candidates []evaluator.Candidate) []evaluator.Outcome
}
