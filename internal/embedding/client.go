// Package embedding 提供文本向量化能力，入库分块与查询JD共用同一个 Client，以保证向量来自同一模型
package embedding

import (
	"context"
	"fmt"
	"sync"

	"resume-ranker/internal/config"
	"resume-ranker/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var embeddingTracer = otel.Tracer("resume-ranker/embedding")

// Client 对 embedding.Embedder 的封装：固定模型与维度、分批并发、保持输出顺序
type Client struct {
	embedder    embedding.Embedder
	model       string
	dimensions  int
	batchSize   int
	concurrency int
}

// ClientOption 客户端可选项
type ClientOption func(*Client)

// WithBatchSize 单次请求的最大文本数
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithConcurrency 并发请求数
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewClient 创建客户端，model 会随每条向量记录写入向量库
func NewClient(embedder embedding.Embedder, model string, dimensions int, opts ...ClientOption) (*Client, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder不能为空")
	}
	if model == "" {
		return nil, fmt.Errorf("embedding模型名称不能为空")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("向量维度必须大于0")
	}

	c := &Client{
		embedder:    embedder,
		model:       model,
		dimensions:  dimensions,
		batchSize:   16,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClientFromConfig 按配置选择 openai 或 hashing 实现
func NewClientFromConfig(cfg config.EmbeddingConfig) (*Client, error) {
	opts := []ClientOption{WithBatchSize(cfg.BatchSize), WithConcurrency(cfg.Concurrency)}

	switch cfg.Provider {
	case "hashing":
		return NewClient(NewHashingEmbedder(cfg.Dimensions), HashingModelName, cfg.Dimensions, opts...)
	case "openai", "":
		e, err := NewOpenAIEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		return NewClient(e, cfg.Model, cfg.Dimensions, opts...)
	default:
		return nil, fmt.Errorf("未知的embedding提供方: %s", cfg.Provider)
	}
}

// Model 返回向量所属的模型标识
func (c *Client) Model() string { return c.model }

// Dimensions 返回向量维度
func (c *Client) Dimensions() int { return c.dimensions }

// Embed 向量化单条文本
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedAll 分批并发向量化，结果顺序与输入一致；任一批次失败则整体失败
func (c *Client) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := embeddingTracer.Start(ctx, "Embedding.EmbedAll")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", c.model),
		attribute.Int("embedding.texts", len(texts)),
	)

	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		sem      = make(chan struct{}, c.concurrency)
	)

	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				once.Do(func() { firstErr = ctx.Err() })
				return
			}

			vectors, err := c.embedBatch(ctx, texts[start:end])
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			copy(out[start:end], vectors)
		}(start, end)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	raw, err := c.embedder.EmbedStrings(ctx, texts, embedding.WithModel(c.model))
	if err != nil {
		return nil, fmt.Errorf("%w: 调用模型 %s 失败: %w", types.ErrEmbeddingFailure, c.model, err)
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("%w: 返回 %d 条向量, 期望 %d 条", types.ErrEmbeddingFailure, len(raw), len(texts))
	}

	out := make([][]float32, len(raw))
	for i, vec := range raw {
		if len(vec) != c.dimensions {
			return nil, fmt.Errorf("%w: 向量维度不匹配, 得到 %d, 期望 %d", types.ErrEmbeddingFailure, len(vec), c.dimensions)
		}
		v := make([]float32, len(vec))
		for j, x := range vec {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}
