// Package bootstrap 按配置组装流水线及其依赖，供服务与命令行工具共用
package bootstrap

import (
	"fmt"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/embedding"
	"resume-ranker/internal/evaluator"
	"resume-ranker/internal/llm"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/pipeline"
	"resume-ranker/internal/storage"
)

const (
	defaultReadinessTimeout = 60 * time.Second
	defaultLockTTL          = 2 * time.Minute
)

// NewEvaluator 配置了 LLM API Key 时创建评估引擎，否则返回 nil
func NewEvaluator(cfg *config.Config) (*evaluator.Engine, error) {
	if cfg.LLM.APIKey == "" {
		return nil, nil
	}
	chat, err := llm.NewChatModel(cfg.LLM, llm.WithJSONMode(true))
	if err != nil {
		return nil, fmt.Errorf("初始化对话模型失败: %w", err)
	}
	return evaluator.New(chat, cfg.Evaluator)
}

// NewPipeline 组装匹配流水线
// 配置了 Redis 时使用分布式简历锁并缓存JD向量，否则使用进程内锁
func NewPipeline(cfg *config.Config, store *storage.Storage) (*pipeline.MatchingPipeline, error) {
	log := logger.Component("bootstrap")

	embedClient, err := embedding.NewClientFromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("初始化向量模型失败: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithReadinessTimeout(config.GetDuration(cfg.Readiness.Timeout, defaultReadinessTimeout)),
	}
	if store.Redis != nil {
		opts = append(opts,
			pipeline.WithLocker(pipeline.NewRedisLocker(store.Redis, config.GetDuration(cfg.Pipeline.LockTTL, defaultLockTTL))),
			pipeline.WithQueryCache(store.Redis),
		)
	}

	engine, err := NewEvaluator(cfg)
	if err != nil {
		return nil, err
	}
	if engine != nil {
		opts = append(opts, pipeline.WithEvaluator(engine))
	} else {
		log.Warn().Msg("未配置LLM API Key，评估功能不可用")
	}

	return pipeline.New(cfg.Pipeline, embedClient, store.Vectors, opts...)
}
