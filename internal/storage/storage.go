package storage

import (
	"context"
	"fmt"
	"strings"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖
// 向量库必需；其余组件未配置或初始化失败时为 nil，调用方按需降级
type Storage struct {
	// 向量库 (Qdrant 或内存实现)
	Vectors VectorStore

	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 关系型数据库
	MySQL *MySQL

	// 键值存储
	Redis *Redis
}

// NewVectorStore 按配置选择向量库后端
func NewVectorStore(ctx context.Context, cfg *config.Config) (VectorStore, error) {
	policy := ReadinessPolicyFromConfig(cfg.Readiness)
	switch cfg.VectorStore.Backend {
	case "qdrant":
		return NewQdrant(ctx, &cfg.Qdrant, WithReadinessPolicy(policy))
	case "memory", "":
		return NewMemoryVectorStore(cfg.Embedding.Dimensions, WithMemoryReadinessPolicy(policy)), nil
	default:
		return nil, fmt.Errorf("不支持的向量库后端: %s", cfg.VectorStore.Backend)
	}
}

// NewStorage 创建存储管理器
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	log := logger.Component("storage")

	vectors, err := NewVectorStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化向量库失败: %w", err)
	}
	s := &Storage{Vectors: vectors}
	var initErrors []string

	if cfg.MinIO.Endpoint != "" {
		s.MinIO, err = NewMinIO(ctx, &cfg.MinIO)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
		}
	}

	if cfg.RabbitMQ.URL != "" {
		s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err == nil {
			err = s.RabbitMQ.SetupIngestTopology()
		}
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
			if s.RabbitMQ != nil {
				s.RabbitMQ.Close()
				s.RabbitMQ = nil
			}
		}
	}

	if cfg.MySQL.Host != "" {
		s.MySQL, err = NewMySQL(&cfg.MySQL)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("MySQL: %v", err))
		}
	}

	if cfg.Redis.Address != "" {
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	} else {
		log.Info().Msg("Redis未配置，使用进程内锁且不缓存查询向量")
	}

	if len(initErrors) > 0 {
		log.Warn().Str("errors", strings.Join(initErrors, "; ")).Msg("以下存储组件初始化失败，相关功能将降级")
	}
	log.Info().
		Str("vector_backend", cfg.VectorStore.Backend).
		Bool("minio", s.MinIO != nil).
		Bool("rabbitmq", s.RabbitMQ != nil).
		Bool("mysql", s.MySQL != nil).
		Bool("redis", s.Redis != nil).
		Msg("存储组件初始化完成")
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	log := logger.Component("storage")
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			log.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			log.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
