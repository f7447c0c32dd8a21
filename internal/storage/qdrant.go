package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/tracing"
	"resume-ranker/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// 定义Qdrant的专用tracer
var qdrantTracer = otel.Tracer("resume-ranker/storage/qdrant")

const (
	// 分块检索时额外多取的候选数，保证截断边界上的同分命中也能按确定顺序排序
	searchTieSlack = 16
	scrollPageSize = 256
)

// Qdrant 基于 REST 接口的向量库实现
type Qdrant struct {
	endpoint       string
	collectionName string
	vectorSize     int
	distanceMetric string
	apiKey         string
	httpClient     *http.Client
	policy         ReadinessPolicy
	logger         zerolog.Logger
}

var _ VectorStore = (*Qdrant)(nil)

// QdrantOption 定义Qdrant构造函数选项
type QdrantOption func(*Qdrant)

// WithDistanceMetric 设置距离度量
func WithDistanceMetric(metric string) QdrantOption {
	return func(q *Qdrant) {
		q.distanceMetric = metric
	}
}

// WithHttpTimeout 设置HTTP客户端超时
func WithHttpTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithReadinessPolicy 设置就绪标记的轮询策略
func WithReadinessPolicy(p ReadinessPolicy) QdrantOption {
	return func(q *Qdrant) {
		q.policy = p
	}
}

// qdrantPayload 每个点携带的载荷
type qdrantPayload struct {
	ResumeID   string           `json:"resume_id"`
	ChunkIndex int              `json:"chunk_index"`
	Text       string           `json:"text,omitempty"`
	Kind       types.RecordKind `json:"kind"`
	BatchToken string           `json:"batch_token,omitempty"`
	Model      string           `json:"model,omitempty"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantScoredPoint struct {
	ID      string        `json:"id"`
	Score   float32       `json:"score"`
	Payload qdrantPayload `json:"payload"`
}

// NewQdrant 创建Qdrant客户端并确保集合存在
func NewQdrant(ctx context.Context, cfg *config.QdrantConfig, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "http://localhost:6333"
	}
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = "resume_chunks"
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant向量维度必须大于0")
	}

	q := &Qdrant{
		endpoint:       endpoint,
		collectionName: collectionName,
		vectorSize:     cfg.Dimension,
		distanceMetric: "Cosine", // 使用余弦相似度
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: config.GetDuration(cfg.Timeout, 30*time.Second)},
		policy:         DefaultReadinessPolicy(),
		logger:         logger.Component("qdrant"),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollectionExists(ctx); err != nil {
		return nil, fmt.Errorf("确保集合 '%s' 存在失败: %w", collectionName, err)
	}

	q.logger.Info().Str("endpoint", endpoint).Str("collection", collectionName).Msg("成功连接到Qdrant")
	return q, nil
}

// ensureCollectionExists 确保向量集合存在，不存在时创建集合与载荷索引
func (q *Qdrant) ensureCollectionExists(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollectionExists",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "check_collection"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
	)

	var collectionInfo struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	status, err := q.doRequestStatus(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", q.collectionName), nil, &collectionInfo)
	if status == http.StatusNotFound {
		span.AddEvent("collection_not_found", trace.WithAttributes(
			attribute.String("action", "create_collection"),
		))
		q.logger.Info().Str("collection", q.collectionName).Msg("集合不存在，将创建新集合")
		return q.createCollection(ctx)
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("检查集合失败: %w", err)
	}

	existingSize := collectionInfo.Result.Config.Params.Vectors.Size
	existingDistance := collectionInfo.Result.Config.Params.Vectors.Distance
	if existingSize != q.vectorSize || existingDistance != q.distanceMetric {
		err := fmt.Errorf("现有集合配置与当前配置不匹配。现有: 维度=%d, 距离=%s; 当前: 维度=%d, 距离=%s",
			existingSize, existingDistance, q.vectorSize, q.distanceMetric)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// createCollection 创建新的向量集合，并为过滤字段建立载荷索引
func (q *Qdrant) createCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.CreateCollection",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	createReqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.vectorSize,
			"distance": q.distanceMetric,
		},
	}
	if err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", q.collectionName), createReqBody, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("创建集合失败: %w", err)
	}

	indexes := map[string]string{
		"resume_id":   "keyword",
		"kind":        "keyword",
		"batch_token": "keyword",
		"model":       "keyword",
		"chunk_index": "integer",
	}
	for field, schema := range indexes {
		body := map[string]interface{}{"field_name": field, "field_schema": schema}
		if err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index?wait=true", q.collectionName), body, nil); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return fmt.Errorf("创建载荷索引 %s 失败: %w", field, err)
		}
	}

	span.SetStatus(codes.Ok, "")
	q.logger.Info().Str("collection", q.collectionName).Int("dimension", q.vectorSize).Msg("已创建Qdrant集合")
	return nil
}

// Upsert 以确定性点ID写入分块，wait=true 保证返回时写入已持久化
func (q *Qdrant) Upsert(ctx context.Context, records ...types.VectorRecord) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Upsert",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "upsert"),
		attribute.Int("vectors.count", len(records)),
	)

	if len(records) == 0 {
		return nil
	}

	points := make([]qdrantPoint, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) != q.vectorSize {
			err := fmt.Errorf("向量维度不匹配: 得到 %d, 期望 %d", len(r.Embedding), q.vectorSize)
			tracing.RecordError(span, err, tracing.ErrorTypeValidation)
			return err
		}
		points = append(points, qdrantPoint{
			ID:     ChunkPointID(r.ResumeID, r.ChunkIndex),
			Vector: r.Embedding,
			Payload: qdrantPayload{
				ResumeID:   r.ResumeID,
				ChunkIndex: r.ChunkIndex,
				Text:       r.Text,
				Kind:       types.KindChunk,
				BatchToken: r.BatchToken,
				Model:      r.Model,
			},
		})
	}

	err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", q.collectionName),
		map[string]interface{}{"points": points}, nil)
	if err != nil {
		return fmt.Errorf("写入向量失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkIndexReady 写入就绪标记点，标记不带 wait，以便通过轮询观察索引追赶
func (q *Qdrant) MarkIndexReady(ctx context.Context, resumeID, batchToken string) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.MarkIndexReady",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("batch_token", batchToken))

	point := qdrantPoint{
		ID:     MarkerPointID(batchToken),
		Vector: MarkerVector(batchToken, q.vectorSize),
		Payload: qdrantPayload{
			ResumeID:   resumeID,
			ChunkIndex: -1,
			Kind:       types.KindMarker,
			BatchToken: batchToken,
		},
	}
	err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points", q.collectionName),
		map[string]interface{}{"points": []qdrantPoint{point}}, nil)
	if err != nil {
		return fmt.Errorf("写入就绪标记失败: %w", err)
	}
	return nil
}

// AwaitReady 用标记向量做一次最近邻检索，直到标记出现在结果中
func (q *Qdrant) AwaitReady(ctx context.Context, batchToken string, timeout time.Duration) (bool, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.AwaitReady")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch_token", batchToken),
		attribute.String("timeout", timeout.String()),
	)

	vector := MarkerVector(batchToken, q.vectorSize)
	filter := mustFilter(
		matchCondition("kind", string(types.KindMarker)),
		matchCondition("batch_token", batchToken),
	)

	ready, err := pollUntilReady(ctx, timeout, q.policy, func(ctx context.Context) (bool, error) {
		points, err := q.search(ctx, vector, 1, filter)
		if err != nil {
			return false, err
		}
		return len(points) > 0 && points[0].Payload.BatchToken == batchToken, nil
	})
	span.SetAttributes(attribute.Bool("index.ready", ready))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeTimeout)
	}
	return ready, err
}

// RemoveMarker 删除某一批次的就绪标记
func (q *Qdrant) RemoveMarker(ctx context.Context, batchToken string) error {
	return q.deleteByFilter(ctx, "remove_marker", mustFilter(
		matchCondition("kind", string(types.KindMarker)),
		matchCondition("batch_token", batchToken),
	))
}

// Search 检索分块，过滤掉就绪标记与其他模型产生的向量
func (q *Qdrant) Search(ctx context.Context, vector []float32, topN int, model string) ([]types.SimilarityHit, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Search",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "search"),
		attribute.Int("search.top_n", topN),
		attribute.String("search.model", model),
	)

	if topN <= 0 {
		return []types.SimilarityHit{}, nil
	}
	if len(vector) != q.vectorSize {
		err := fmt.Errorf("查询向量维度不匹配: 得到 %d, 期望 %d", len(vector), q.vectorSize)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}

	conditions := []map[string]interface{}{matchCondition("kind", string(types.KindChunk))}
	if model != "" {
		conditions = append(conditions, matchCondition("model", model))
	}

	points, err := q.search(ctx, vector, topN+searchTieSlack, mustFilter(conditions...))
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	hits := make([]types.SimilarityHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, types.SimilarityHit{
			ResumeID:   p.Payload.ResumeID,
			ChunkIndex: p.Payload.ChunkIndex,
			Text:       p.Payload.Text,
			Score:      p.Score,
		})
	}
	SortHits(hits)
	if len(hits) > topN {
		hits = hits[:topN]
	}

	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	span.SetStatus(codes.Ok, "")
	return hits, nil
}

func (q *Qdrant) search(ctx context.Context, vector []float32, limit int, filter map[string]interface{}) ([]qdrantScoredPoint, error) {
	searchReq := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"filter":       filter,
	}
	var resp struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	if err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", q.collectionName), searchReq, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// DeleteResume 按 resume_id 同步删除所有分块与标记
func (q *Qdrant) DeleteResume(ctx context.Context, resumeID string) error {
	return q.deleteByFilter(ctx, "delete_resume", mustFilter(matchCondition("resume_id", resumeID)))
}

// PruneChunks 删除 chunk_index >= fromIndex 的分块
func (q *Qdrant) PruneChunks(ctx context.Context, resumeID string, fromIndex int) error {
	return q.deleteByFilter(ctx, "prune_chunks", mustFilter(
		matchCondition("resume_id", resumeID),
		matchCondition("kind", string(types.KindChunk)),
		map[string]interface{}{
			"key":   "chunk_index",
			"range": map[string]interface{}{"gte": fromIndex},
		},
	))
}

// DeleteAll 删除集合中所有分块与标记
func (q *Qdrant) DeleteAll(ctx context.Context) error {
	return q.deleteByFilter(ctx, "delete_all", mustFilter(map[string]interface{}{
		"key":   "kind",
		"match": map[string]interface{}{"any": []string{string(types.KindChunk), string(types.KindMarker)}},
	}))
}

func (q *Qdrant) deleteByFilter(ctx context.Context, op string, filter map[string]interface{}) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.DeleteByFilter",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", op),
	)

	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", q.collectionName),
		map[string]interface{}{"filter": filter}, nil)
	if err != nil {
		return fmt.Errorf("删除向量失败(%s): %w", op, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ResumeChunks 分页滚动读取某简历的全部分块
func (q *Qdrant) ResumeChunks(ctx context.Context, resumeID string) ([]types.Chunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.ResumeChunks",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	filter := mustFilter(
		matchCondition("resume_id", resumeID),
		matchCondition("kind", string(types.KindChunk)),
	)

	var (
		chunks []types.Chunk
		offset interface{}
	)
	for {
		scrollReq := map[string]interface{}{
			"filter":       filter,
			"with_payload": true,
			"with_vector":  false,
			"limit":        scrollPageSize,
		}
		if offset != nil {
			scrollReq["offset"] = offset
		}

		var scrollResp struct {
			Result struct {
				Points []struct {
					ID      string        `json:"id"`
					Payload qdrantPayload `json:"payload"`
				} `json:"points"`
				NextPageOffset interface{} `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", q.collectionName), scrollReq, &scrollResp); err != nil {
			return nil, fmt.Errorf("读取简历分块失败: %w", err)
		}

		for _, p := range scrollResp.Result.Points {
			chunks = append(chunks, types.Chunk{
				ResumeID:   p.Payload.ResumeID,
				ChunkIndex: p.Payload.ChunkIndex,
				Text:       p.Payload.Text,
			})
		}
		if scrollResp.Result.NextPageOffset == nil {
			break
		}
		offset = scrollResp.Result.NextPageOffset
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	span.SetAttributes(attribute.Int("retrieved_points_count", len(chunks)))
	span.SetStatus(codes.Ok, "")
	return chunks, nil
}

// CountPoints 获取集合中的点数量
func (q *Qdrant) CountPoints(ctx context.Context) (int64, error) {
	var result struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", q.collectionName),
		map[string]interface{}{"exact": true}, &result)
	if err != nil {
		return 0, err
	}
	return result.Result.Count, nil
}

func matchCondition(key, value string) map[string]interface{} {
	return map[string]interface{}{
		"key":   key,
		"match": map[string]interface{}{"value": value},
	}
}

func mustFilter(conditions ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"must": conditions}
}

func (q *Qdrant) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	_, err := q.doRequestStatus(ctx, method, path, body, result)
	return err
}

// doRequestStatus 发送请求并返回HTTP状态码，非2xx视为错误
func (q *Qdrant) doRequestStatus(ctx context.Context, method, path string, body interface{}, result interface{}) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("Qdrant.HTTP.%s", method),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return 0, err
		}
		reader = bytes.NewReader(jsonBody)
		span.SetAttributes(attribute.Int("http.request.body.size", len(jsonBody)))
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	// 注入trace context
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return 0, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, tracing.TruncateString(string(respBody), 500))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return resp.StatusCode, err
	}

	if result != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return resp.StatusCode, err
		}
	}

	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, nil
}
