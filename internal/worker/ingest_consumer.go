// Package worker 消费异步入库任务
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"resume-ranker/internal/logger"
	"resume-ranker/internal/pipeline"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"
	"resume-ranker/internal/tracing"
	"resume-ranker/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTaskTimeout = 5 * time.Minute
	defaultMaxRequeues = 3
)

// TextSource 读取解析后的简历文本，storage.MinIO 实现了该接口
type TextSource interface {
	GetParsedText(ctx context.Context, objectKey string) (string, error)
}

// Ingester 执行入库，pipeline.MatchingPipeline 实现了该接口
type Ingester interface {
	Ingest(ctx context.Context, doc types.ResumeDocument) (*pipeline.IngestResult, error)
}

// StatusRecorder 写回入库状态并在同一事务中写入发件箱事件，storage.MySQL 实现了该接口
type StatusRecorder interface {
	MarkResumeStatus(ctx context.Context, resumeID string, update storage.ResumeStatusUpdate, event *models.OutboxMessage) error
}

// QueueConsumer 消息队列消费入口，storage.RabbitMQ 实现了该接口
type QueueConsumer interface {
	StartConsumer(queueName string, prefetchCount int, handler storage.MessageHandler) (func(), error)
}

// IngestConsumer 处理 IngestTask 消息
type IngestConsumer struct {
	texts       TextSource
	ingester    Ingester
	outcomes    *OutcomeRecorder
	taskTimeout time.Duration
	maxRequeues int
	logger      zerolog.Logger
	tracer      trace.Tracer

	// 进程内的重新入队计数，按任务区分
	mu       sync.Mutex
	requeues map[string]int
}

// Option 配置 IngestConsumer
type Option func(*IngestConsumer)

// WithOutcomeRecorder 设置结果记录器，未设置时只入库不写状态
func WithOutcomeRecorder(r *OutcomeRecorder) Option {
	return func(c *IngestConsumer) {
		c.outcomes = r
	}
}

// WithTaskTimeout 设置单条任务的处理超时
func WithTaskTimeout(d time.Duration) Option {
	return func(c *IngestConsumer) {
		if d > 0 {
			c.taskTimeout = d
		}
	}
}

// WithMaxRequeues 设置暂时性失败最多重新入队的次数，用尽后记为 FAILED
func WithMaxRequeues(n int) Option {
	return func(c *IngestConsumer) {
		if n >= 0 {
			c.maxRequeues = n
		}
	}
}

// NewIngestConsumer 创建入库消费者
func NewIngestConsumer(texts TextSource, ingester Ingester, opts ...Option) (*IngestConsumer, error) {
	if texts == nil {
		return nil, errors.New("文本来源不能为空")
	}
	if ingester == nil {
		return nil, errors.New("入库流水线不能为空")
	}
	c := &IngestConsumer{
		texts:       texts,
		ingester:    ingester,
		taskTimeout: defaultTaskTimeout,
		maxRequeues: defaultMaxRequeues,
		requeues:    make(map[string]int),
		logger:      logger.Component("ingest_consumer"),
		tracer:      otel.Tracer("resume-ranker/worker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start 在指定队列上开始消费，返回停止函数
func (c *IngestConsumer) Start(queue QueueConsumer, queueName string, prefetch int) (func(), error) {
	stop, err := queue.StartConsumer(queueName, prefetch, c.Handle)
	if err != nil {
		return nil, fmt.Errorf("启动入库消费者失败: %w", err)
	}
	c.logger.Info().Str("queue", queueName).Int("prefetch", prefetch).Msg("入库消费者就绪")
	return stop, nil
}

// Handle 处理一条入库消息。返回 false 时消息重新入队，
// 仅用于向量服务的暂时性失败且未超过重新入队次数
func (c *IngestConsumer) Handle(ctx context.Context, body []byte) bool {
	var task storage.IngestTask
	if err := json.Unmarshal(body, &task); err != nil {
		c.logger.Error().Err(err).Str("body", tracing.TruncateString(string(body), 200)).Msg("解析入库消息失败，丢弃")
		return true
	}
	if task.ResumeID == "" || task.ParsedTextKey == "" {
		c.logger.Error().Str("resume_id", task.ResumeID).Msg("入库消息缺少 resume_id 或 parsed_text_key，丢弃")
		return true
	}

	ctx, span := c.tracer.Start(ctx, "Worker.Ingest",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("resume.id", task.ResumeID),
			attribute.String("request.id", task.RequestID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	log := c.logger.With().Str("resume_id", task.ResumeID).Str("request_id", task.RequestID).Logger()
	start := time.Now()

	text, err := c.texts.GetParsedText(ctx, task.ParsedTextKey)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeStorage)
		log.Error().Err(err).Str("object_key", task.ParsedTextKey).Msg("读取解析文本失败")
		c.outcomes.Record(ctx, task.ResumeID, 0, nil, fmt.Errorf("读取解析文本失败: %w", err))
		return true
	}

	result, err := c.ingester.Ingest(ctx, types.ResumeDocument{
		ResumeID:   task.ResumeID,
		Text:       text,
		SourceName: task.SourceName,
		UploadedAt: task.SubmittedAt,
	})

	switch {
	case err == nil:
		log.Info().
			Int("chunks", result.ChunkCount).
			Bool("index_ready", result.IndexReady).
			Dur("elapsed", time.Since(start)).
			Msg("异步入库完成")
	case errors.Is(err, types.ErrEmbeddingFailure):
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		if retryable(err) {
			if attempt, ok := c.requeue(task); ok {
				log.Warn().Err(err).Int("attempt", attempt).Msg("生成向量暂时失败，消息将重新入队")
				return false
			}
			log.Error().Err(err).Int("max_requeues", c.maxRequeues).Msg("重新入队次数已用尽，记为失败")
		} else {
			log.Error().Err(err).Msg("生成向量失败，不可重试")
		}
	case errors.Is(err, types.ErrEmptyDocument):
		log.Warn().Msg("简历文本为空，未产生分块")
	default:
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		log.Error().Err(err).Msg("异步入库失败")
	}

	c.forget(task)
	c.outcomes.Record(ctx, task.ResumeID, len(text), result, err)
	return true
}

// retryable 只重试下游暂时性故障或超时引起的向量失败
func retryable(err error) bool {
	return errors.Is(err, types.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func requeueKey(task storage.IngestTask) string {
	return task.ResumeID + "|" + task.ParsedTextKey + "|" + task.RequestID
}

// requeue 计数加一，返回本次是第几次重新入队以及是否仍允许重新入队
func (c *IngestConsumer) requeue(task storage.IngestTask) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := requeueKey(task)
	if c.requeues[key] >= c.maxRequeues {
		delete(c.requeues, key)
		return c.maxRequeues, false
	}
	c.requeues[key]++
	return c.requeues[key], true
}

func (c *IngestConsumer) forget(task storage.IngestTask) {
	c.mu.Lock()
	delete(c.requeues, requeueKey(task))
	c.mu.Unlock()
}
