package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/constants"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCacheMiss 缓存中没有对应的查询向量，或模型版本不一致
var ErrCacheMiss = errors.New("查询向量缓存未命中")

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("resume-ranker/storage/redis")

// 比较并删除，保证只释放自己持有的锁
const releaseLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// 比较并续期，只延长自己持有的锁
const renewLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// ResumeLockKey 单份简历互斥锁的键
func ResumeLockKey(resumeID string) string {
	return fmt.Sprintf(constants.KeyResumeLock, resumeID)
}

// QueryVectorKey 以JD文本的sha256作为查询向量缓存键
func QueryVectorKey(jobDescription string) string {
	sum := sha256.Sum256([]byte(jobDescription))
	return fmt.Sprintf(constants.KeyQueryVector, hex.EncodeToString(sum[:]))
}

// AcquireLock 尝试获取一个分布式锁，成功时返回持有者令牌，锁已被占用时返回空字符串
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	lockValue := uuid.NewString()
	// NX保证了原子性
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证原子性
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	res, err := r.Client.Eval(ctx, releaseLockScript, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}

	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}

	// 锁不存在或不属于当前持有者
	return false, nil
}

// RenewLock 令牌匹配时重置锁的过期时间，锁已丢失时返回 false
func (r *Redis) RenewLock(ctx context.Context, lockKey string, lockValue string, expiration time.Duration) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	res, err := r.Client.Eval(ctx, renewLockScript, []string{lockKey}, lockValue, expiration.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	renewed, ok := res.(int64)
	return ok && renewed == 1, nil
}

// SetQueryVector 缓存JD查询向量及其模型版本
func (r *Redis) SetQueryVector(ctx context.Context, jobDescription string, vector []float32, modelVersion string, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	ctx, span := redisTracer.Start(ctx, "Redis.SetQueryVector", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	cacheKey := QueryVectorKey(jobDescription)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.redis.key", cacheKey),
		attribute.String("model_version", modelVersion),
	)

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("序列化向量失败: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	// 使用 pipeline 原子化操作
	pipe := r.Client.TxPipeline()
	pipe.HSet(ctx, cacheKey, "vector", vectorJSON, "model_version", modelVersion)
	pipe.Expire(ctx, cacheKey, ttl)
	if _, err = pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("设置查询向量缓存失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetQueryVector 读取JD查询向量，模型版本不一致视为未命中
func (r *Redis) GetQueryVector(ctx context.Context, jobDescription string, modelVersion string) ([]float32, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis client is not initialized")
	}

	cacheKey := QueryVectorKey(jobDescription)
	vals, err := r.Client.HMGet(ctx, cacheKey, "vector", "model_version").Result()
	if err != nil {
		return nil, err
	}
	return decodeQueryVector(vals, modelVersion)
}

func decodeQueryVector(vals []interface{}, modelVersion string) ([]float32, error) {
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return nil, ErrCacheMiss
	}
	cachedModel, ok := vals[1].(string)
	if !ok || cachedModel != modelVersion {
		return nil, ErrCacheMiss
	}
	vectorJSON, ok := vals[0].(string)
	if !ok || vectorJSON == "" {
		return nil, fmt.Errorf("向量缓存格式错误")
	}
	var vector []float32
	if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
		return nil, fmt.Errorf("反序列化向量失败: %w", err)
	}
	return vector, nil
}
