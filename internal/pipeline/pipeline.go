// Package pipeline 编排简历入库、语义检索排序、删除与评估
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"resume-ranker/internal/chunker"
	"resume-ranker/internal/config"
	"resume-ranker/internal/evaluator"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/tracing"
	"resume-ranker/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultReadinessTimeout  = 60 * time.Second
	defaultQueryCacheTTL     = 24 * time.Hour
	defaultIngestConcurrency = 2
	defaultWindowFactor      = 10
	defaultMaxChunkWindow    = 1000
)

// ErrEvaluatorNotConfigured 未配置评估引擎时调用评估相关操作
var ErrEvaluatorNotConfigured = errors.New("评估引擎未配置")

// IngestResult 单份简历的入库结果
type IngestResult struct {
	ResumeID       string `json:"resume_id"`
	ChunkCount     int    `json:"chunk_count"`
	EmbeddingModel string `json:"embedding_model"`
	BatchToken     string `json:"batch_token"`
	IndexReady     bool   `json:"index_ready"`
	Warning        error  `json:"-"` // 非空时入库已完成但索引可能尚未可检索
	WarningMessage string `json:"warning,omitempty"`
}

// BatchItem IngestBatch 中一份简历的结果
type BatchItem struct {
	ResumeID string
	Result   *IngestResult
	Err      error
}

// RankResult 排序结果
type RankResult struct {
	Results     []types.RankedResume `json:"results"`
	ChunkWindow int                  `json:"chunk_window"`
	TotalHits   int                  `json:"total_hits"`
	QueryCached bool                 `json:"query_cached"`
}

// MatchingPipeline 简历匹配流水线
type MatchingPipeline struct {
	cfg        config.PipelineConfig
	chunker    *chunker.Chunker
	embedder   Embedder
	store      storage.VectorStore
	aggregator Aggregator
	locker     Locker
	queryCache QueryVectorCache
	evaluator  Evaluator

	readinessTimeout  time.Duration
	queryCacheTTL     time.Duration
	ingestConcurrency int

	logger zerolog.Logger
	tracer trace.Tracer
}

// Option 流水线选项
type Option func(*MatchingPipeline)

// WithLocker 替换默认的进程内键锁
func WithLocker(l Locker) Option {
	return func(p *MatchingPipeline) {
		if l != nil {
			p.locker = l
		}
	}
}

// WithQueryCache 启用岗位描述向量缓存
func WithQueryCache(c QueryVectorCache) Option {
	return func(p *MatchingPipeline) { p.queryCache = c }
}

// WithEvaluator 启用 RankAndEvaluate
func WithEvaluator(e Evaluator) Option {
	return func(p *MatchingPipeline) { p.evaluator = e }
}

// WithAggregator 替换配置中指定的聚合器
func WithAggregator(a Aggregator) Option {
	return func(p *MatchingPipeline) {
		if a != nil {
			p.aggregator = a
		}
	}
}

// WithReadinessTimeout 等待索引就绪的最长时间
func WithReadinessTimeout(d time.Duration) Option {
	return func(p *MatchingPipeline) {
		if d > 0 {
			p.readinessTimeout = d
		}
	}
}

// WithTracer 替换默认的全局 tracer
func WithTracer(t trace.Tracer) Option {
	return func(p *MatchingPipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithIngestConcurrency IngestBatch 的并发度
func WithIngestConcurrency(n int) Option {
	return func(p *MatchingPipeline) {
		if n > 0 {
			p.ingestConcurrency = n
		}
	}
}

// New 创建流水线
func New(cfg config.PipelineConfig, embedder Embedder, store storage.VectorStore, opts ...Option) (*MatchingPipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder不能为空")
	}
	if store == nil {
		return nil, fmt.Errorf("向量库不能为空")
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.MinChunkWindowFactor <= 0 {
		cfg.MinChunkWindowFactor = defaultWindowFactor
	}
	if cfg.MaxChunkWindow <= 0 {
		cfg.MaxChunkWindow = defaultMaxChunkWindow
	}
	ch, err := chunker.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	agg, err := NewAggregator(cfg.Aggregator, cfg.TopMeanN)
	if err != nil {
		return nil, err
	}

	p := &MatchingPipeline{
		cfg:               cfg,
		chunker:           ch,
		embedder:          embedder,
		store:             store,
		aggregator:        agg,
		locker:            NewKeyedMutex(),
		readinessTimeout:  defaultReadinessTimeout,
		queryCacheTTL:     config.GetDuration(cfg.QueryCacheTTL, defaultQueryCacheTTL),
		ingestConcurrency: defaultIngestConcurrency,
		logger:            logger.Component("pipeline"),
		tracer:            otel.Tracer("resume-ranker/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.logger.Info().
		Int("chunk_size", cfg.ChunkSize).
		Int("chunk_overlap", cfg.ChunkOverlap).
		Str("aggregator", p.aggregator.Name()).
		Str("embedding_model", embedder.Model()).
		Bool("query_cache", p.queryCache != nil).
		Bool("evaluator", p.evaluator != nil).
		Msg("匹配流水线初始化完成")
	return p, nil
}

// Ingest 切分、向量化并写入一份简历，写入后等待索引就绪
// 就绪等待超时不视为失败，结果中 IndexReady=false 并带有警告
func (p *MatchingPipeline) Ingest(ctx context.Context, doc types.ResumeDocument) (*IngestResult, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Ingest",
		trace.WithAttributes(
			attribute.String("resume.id", doc.ResumeID),
			attribute.String("resume.source_name", tracing.SafeAttributeValue("resume.source_name", doc.SourceName, tracing.DefaultMaxLength)),
			attribute.Int("resume.text_length", len(doc.Text)),
		))
	defer span.End()

	if strings.TrimSpace(doc.ResumeID) == "" {
		err := types.NewInvalidRequestError("resume_id 不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}
	log := p.logger.With().Str("resume_id", doc.ResumeID).Logger()

	unlock, err := p.locker.Lock(ctx, doc.ResumeID)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeTimeout)
		return nil, fmt.Errorf("获取简历锁失败: %w", err)
	}
	defer unlock()

	chunks, err := p.chunker.SplitDocument(doc.ResumeID, doc.Text)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedAll(ctx, texts)
	if err == nil && len(vectors) != len(chunks) {
		err = fmt.Errorf("返回向量数 %d 与分块数 %d 不一致", len(vectors), len(chunks))
	}
	if err != nil {
		err = types.NewEmbeddingError(doc.ResumeID, err)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	model := p.embedder.Model()
	records := make([]types.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = types.VectorRecord{
			ResumeID:   c.ResumeID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Embedding:  vectors[i],
			Kind:       types.KindChunk,
			Model:      model,
		}
	}
	if err := p.store.Upsert(ctx, records...); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("写入简历 %s 的向量失败: %w", doc.ResumeID, err)
	}
	// 重新上传的简历变短时，旧的尾部分块不能再被检索到
	if err := p.store.PruneChunks(ctx, doc.ResumeID, len(chunks)); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("清理简历 %s 的旧分块失败: %w", doc.ResumeID, err)
	}

	result := &IngestResult{
		ResumeID:       doc.ResumeID,
		ChunkCount:     len(chunks),
		EmbeddingModel: model,
		BatchToken:     uuid.NewString(),
	}

	if err := p.store.MarkIndexReady(ctx, doc.ResumeID, result.BatchToken); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("写入就绪标记失败: %w", err)
	}
	ready, err := p.store.AwaitReady(ctx, result.BatchToken, p.readinessTimeout)
	if err != nil {
		p.removeMarker(result.BatchToken, log)
		tracing.RecordError(span, err, tracing.ErrorTypeTimeout)
		return nil, fmt.Errorf("等待索引就绪被中断: %w", err)
	}
	p.removeMarker(result.BatchToken, log)

	result.IndexReady = ready
	if !ready {
		result.Warning = types.NewIndexTimeoutError(doc.ResumeID, result.BatchToken)
		result.WarningMessage = result.Warning.Error()
		log.Warn().Dur("timeout", p.readinessTimeout).Msg("索引在限定时间内未就绪，结果可能暂时检索不到")
	}

	span.SetAttributes(
		attribute.Int("resume.chunk_count", len(chunks)),
		attribute.Bool("index.ready", ready),
	)
	span.SetStatus(codes.Ok, "")
	log.Info().Int("chunks", len(chunks)).Bool("index_ready", ready).Msg("简历入库完成")
	return result, nil
}

// removeMarker 标记只用于就绪探测，删除失败不影响入库结果
func (p *MatchingPipeline) removeMarker(batchToken string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.RemoveMarker(ctx, batchToken); err != nil {
		log.Warn().Err(err).Str("batch_token", batchToken).Msg("删除就绪标记失败")
	}
}

// IngestBatch 并发入库多份简历，单份失败不影响其他简历，结果顺序与输入一致
func (p *MatchingPipeline) IngestBatch(ctx context.Context, docs []types.ResumeDocument) []BatchItem {
	items := make([]BatchItem, len(docs))
	sem := make(chan struct{}, p.ingestConcurrency)
	var wg sync.WaitGroup

	for i, doc := range docs {
		items[i].ResumeID = doc.ResumeID
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			items[i].Err = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int, doc types.ResumeDocument) {
			defer wg.Done()
			defer func() { <-sem }()
			items[i].Result, items[i].Err = p.Ingest(ctx, doc)
		}(i, doc)
	}
	wg.Wait()

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
			p.logger.Warn().Err(it.Err).Str("resume_id", it.ResumeID).Msg("批量入库中单份简历失败")
		}
	}
	p.logger.Info().Int("total", len(docs)).Int("failed", failed).Msg("批量入库结束")
	return items
}

// Rank 以岗位描述检索分块并按简历聚合排序
func (p *MatchingPipeline) Rank(ctx context.Context, req types.RankRequest) (*RankResult, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Rank")
	defer span.End()

	req, err := p.normalizeRequest(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}
	window := p.chunkWindow(req)
	span.SetAttributes(
		attribute.Int("rank.top_n_chunks", req.TopNChunks),
		attribute.Int("rank.top_k_resumes", req.TopKResumes),
		attribute.Int("rank.chunk_window", window),
		attribute.String("rank.job_description", tracing.SafeQuery(req.JobDescription)),
	)

	vector, cached, err := p.queryVector(ctx, req.JobDescription)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	hits, err := p.store.Search(ctx, vector, window, p.embedder.Model())
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("检索分块失败: %w", err)
	}

	ranked := p.aggregator.Aggregate(hits)
	SortRanked(ranked)
	if len(ranked) > req.TopKResumes {
		ranked = ranked[:req.TopKResumes]
	}
	if ranked == nil {
		ranked = []types.RankedResume{}
	}

	span.SetAttributes(attribute.Int("rank.hits", len(hits)), attribute.Int("rank.results", len(ranked)))
	span.SetStatus(codes.Ok, "")
	logger.Ctx(ctx).Debug().
		Int("hits", len(hits)).
		Int("results", len(ranked)).
		Int("window", window).
		Bool("query_cached", cached).
		Msg("排序完成")

	return &RankResult{
		Results:     ranked,
		ChunkWindow: window,
		TotalHits:   len(hits),
		QueryCached: cached,
	}, nil
}

func (p *MatchingPipeline) normalizeRequest(req types.RankRequest) (types.RankRequest, error) {
	if strings.TrimSpace(req.JobDescription) == "" {
		return req, types.NewInvalidRequestError("job_description 不能为空")
	}
	if req.TopNChunks < 0 || req.TopKResumes < 0 {
		return req, types.NewInvalidRequestError("top_n_chunks 与 top_k_resumes 不能为负数")
	}
	if req.TopNChunks == 0 {
		req.TopNChunks = p.cfg.TopNChunks
	}
	if req.TopKResumes == 0 {
		req.TopKResumes = p.cfg.TopKResumes
	}
	if req.TopNChunks <= 0 {
		req.TopNChunks = 50
	}
	if req.TopKResumes <= 0 {
		req.TopKResumes = 3
	}
	return req, nil
}

// chunkWindow 检索窗口至少覆盖 top_k_resumes 的若干倍，避免少数简历占满窗口
func (p *MatchingPipeline) chunkWindow(req types.RankRequest) int {
	window := req.TopNChunks
	if minWindow := req.TopKResumes * p.cfg.MinChunkWindowFactor; minWindow > window {
		window = minWindow
	}
	if window > p.cfg.MaxChunkWindow {
		window = p.cfg.MaxChunkWindow
	}
	return window
}

// queryVector 优先使用缓存的岗位描述向量，缓存读写失败只记录日志
func (p *MatchingPipeline) queryVector(ctx context.Context, jd string) ([]float32, bool, error) {
	model := p.embedder.Model()
	if p.queryCache != nil {
		vec, err := p.queryCache.GetQueryVector(ctx, jd, model)
		if err == nil && len(vec) > 0 {
			return vec, true, nil
		}
		if err != nil && !errors.Is(err, storage.ErrCacheMiss) {
			p.logger.Warn().Err(err).Msg("读取岗位描述向量缓存失败，将重新生成")
		}
	}

	vec, err := p.embedder.Embed(ctx, jd)
	if err != nil {
		return nil, false, types.NewEmbeddingError("", err)
	}

	if p.queryCache != nil {
		if err := p.queryCache.SetQueryVector(ctx, jd, vec, model, p.queryCacheTTL); err != nil {
			p.logger.Warn().Err(err).Msg("写入岗位描述向量缓存失败")
		}
	}
	return vec, false, nil
}

// Delete 删除一份简历的全部分块，与同一简历的入库互斥；简历不存在时为空操作
func (p *MatchingPipeline) Delete(ctx context.Context, resumeID string) error {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Delete", trace.WithAttributes(attribute.String("resume.id", resumeID)))
	defer span.End()

	if strings.TrimSpace(resumeID) == "" {
		return types.NewInvalidRequestError("resume_id 不能为空")
	}
	unlock, err := p.locker.Lock(ctx, resumeID)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeTimeout)
		return fmt.Errorf("获取简历锁失败: %w", err)
	}
	defer unlock()

	if err := p.store.DeleteResume(ctx, resumeID); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("删除简历 %s 失败: %w", resumeID, err)
	}
	p.logger.Info().Str("resume_id", resumeID).Msg("简历已删除")
	return nil
}

// DeleteAll 清空所有简历
func (p *MatchingPipeline) DeleteAll(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "Pipeline.DeleteAll")
	defer span.End()

	if err := p.store.DeleteAll(ctx); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("清空简历失败: %w", err)
	}
	p.logger.Info().Msg("已清空所有简历")
	return nil
}

// ResumeText 由存储的分块还原简历全文
func (p *MatchingPipeline) ResumeText(ctx context.Context, resumeID string) (string, error) {
	chunks, err := p.store.ResumeChunks(ctx, resumeID)
	if err != nil {
		return "", fmt.Errorf("读取简历 %s 的分块失败: %w", resumeID, err)
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w: %s", types.ErrNotFound, resumeID)
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return p.chunker.Reconstruct(texts), nil
}

// Evaluate 评估单份文本
func (p *MatchingPipeline) Evaluate(ctx context.Context, resumeID, resumeText, jobDescription string) (*types.EvaluationResult, error) {
	if p.evaluator == nil {
		return nil, ErrEvaluatorNotConfigured
	}
	outcomes := p.evaluator.EvaluateAll(ctx, jobDescription, []evaluator.Candidate{{ResumeID: resumeID, Text: resumeText}})
	return outcomes[0].Result, outcomes[0].Err
}

// RankAndEvaluate 排序后并发评估前 K 份简历
// 单份简历读取全文或评估失败时只降级该条目，整体仍返回排序结果
func (p *MatchingPipeline) RankAndEvaluate(ctx context.Context, req types.RankRequest) ([]types.EvaluatedResume, error) {
	if p.evaluator == nil {
		return nil, ErrEvaluatorNotConfigured
	}
	rank, err := p.Rank(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "Pipeline.Evaluate", trace.WithAttributes(attribute.Int("evaluate.count", len(rank.Results))))
	defer span.End()

	out := make([]types.EvaluatedResume, len(rank.Results))
	candidates := make([]evaluator.Candidate, 0, len(rank.Results))
	positions := make([]int, 0, len(rank.Results))
	for i, r := range rank.Results {
		out[i].RankedResume = r
		text, err := p.ResumeText(ctx, r.ResumeID)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		candidates = append(candidates, evaluator.Candidate{ResumeID: r.ResumeID, Text: text})
		positions = append(positions, i)
	}

	outcomes := p.evaluator.EvaluateAll(ctx, req.JobDescription, candidates)
	for j, o := range outcomes {
		i := positions[j]
		if o.Err != nil {
			out[i].Error = o.Err.Error()
			continue
		}
		out[i].Evaluation = o.Result
	}
	return out, nil
}

// EmbeddingModel 当前使用的embedding模型
func (p *MatchingPipeline) EmbeddingModel() string {
	return p.embedder.Model()
}
