package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"sync"
	"testing"

	"resume-ranker/internal/api/handler"
	"resume-ranker/internal/api/router"
	"resume-ranker/internal/config"
	"resume-ranker/internal/embedding"
	"resume-ranker/internal/evaluator"
	"resume-ranker/internal/llm"
	"resume-ranker/internal/pipeline"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"
	"resume-ranker/internal/types"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 512

const validEvaluation = `{"criteria":[{"skill":"Python","score":8,"justification":"多年后端经验"}],"summary":"匹配度较高"}`

// fakeExtractor 将文件内容原样作为文本返回
type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) Extract(_ context.Context, filename string, reader io.Reader) (string, map[string]any, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", nil, err
	}
	return string(data), map[string]any{"source_file": filename}, nil
}

type fakeObjects struct {
	mu       sync.Mutex
	files    map[string][]byte
	texts    map[string]string
	deleted  []string
	failWith error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{files: map[string][]byte{}, texts: map[string]string{}}
}

func (f *fakeObjects) UploadResumeFile(_ context.Context, resumeID, ext string, reader io.Reader, _ int64) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	data, _ := io.ReadAll(reader)
	key := storage.OriginalObjectKey(resumeID, ext)
	f.mu.Lock()
	f.files[key] = data
	f.mu.Unlock()
	return key, nil
}

func (f *fakeObjects) UploadParsedText(_ context.Context, resumeID, text string) (string, error) {
	key := storage.ParsedTextObjectKey(resumeID)
	f.mu.Lock()
	f.texts[key] = text
	f.mu.Unlock()
	return key, nil
}

func (f *fakeObjects) GetParsedText(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[key], nil
}

func (f *fakeObjects) DeleteResumeObjects(_ context.Context, resumeID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, resumeID)
	f.mu.Unlock()
	return nil
}

type published struct {
	exchange, routingKey string
	data                 interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) PublishMessage(_ context.Context, exchange, routingKey string, message []byte, _ bool) error {
	return f.PublishJSON(context.Background(), exchange, routingKey, json.RawMessage(message), true)
}

func (f *fakePublisher) PublishJSON(_ context.Context, exchange, routingKey string, data interface{}, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{exchange: exchange, routingKey: routingKey, data: data})
	return nil
}

type fakeMetadata struct {
	mu       sync.Mutex
	docs     map[string]*models.ResumeDocument
	events   []*models.OutboxMessage
	statuses map[string]string
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{docs: map[string]*models.ResumeDocument{}, statuses: map[string]string{}}
}

func (f *fakeMetadata) MarkResumeStatus(_ context.Context, id string, update storage.ResumeStatusUpdate, event *models.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = update.Status
	if event != nil {
		f.events = append(f.events, event)
	}
	return nil
}

func (f *fakeMetadata) UpsertResumeDocument(_ context.Context, doc *models.ResumeDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ResumeID] = doc
	f.statuses[doc.ResumeID] = doc.Status
	return nil
}

func (f *fakeMetadata) DeleteResumeDocument(_ context.Context, id string, event *models.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	if event != nil {
		f.events = append(f.events, event)
	}
	return nil
}

func (f *fakeMetadata) DeleteAllResumeDocuments(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.docs))
	f.docs = map[string]*models.ResumeDocument{}
	return n, nil
}

func (f *fakeMetadata) GetResumeDocument(_ context.Context, id string) (*models.ResumeDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return doc, nil
}

func (f *fakeMetadata) ListResumeDocuments(_ context.Context, status string, limit, offset int) ([]models.ResumeDocument, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.ResumeDocument
	for _, d := range f.docs {
		if status == "" || d.Status == status {
			all = append(all, *d)
		}
	}
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

type testServer struct {
	h         *server.Hertz
	pipeline  *pipeline.MatchingPipeline
	objects   *fakeObjects
	publisher *fakePublisher
	metadata  *fakeMetadata
}

type serverOptions struct {
	async     bool
	metadata  bool
	chatModel *llm.MockChatModel
	checks    map[string]storage.HealthCheck
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.ChunkSize = 200
	cfg.Pipeline.ChunkOverlap = 40
	cfg.RabbitMQ.ResumeEventsExchange = "resume.events"
	cfg.RabbitMQ.IngestRoutingKey = "resume.ingest"

	client, err := embedding.NewClient(embedding.NewHashingEmbedder(testDim), embedding.HashingModelName, testDim)
	require.NoError(t, err)

	var pipeOpts []pipeline.Option
	if opts.chatModel != nil {
		engine, err := evaluator.New(opts.chatModel, config.EvaluatorConfig{Concurrency: 2})
		require.NoError(t, err)
		pipeOpts = append(pipeOpts, pipeline.WithEvaluator(engine))
	}
	p, err := pipeline.New(cfg.Pipeline, client, storage.NewMemoryVectorStore(testDim), pipeOpts...)
	require.NoError(t, err)

	ts := &testServer{pipeline: p}
	deps := handler.Deps{Pipeline: p, Extractor: &fakeExtractor{}}
	if opts.async {
		ts.objects = newFakeObjects()
		ts.publisher = &fakePublisher{}
		deps.Objects = ts.objects
		deps.Publisher = ts.publisher
	}
	if opts.metadata {
		ts.metadata = newFakeMetadata()
		deps.Metadata = ts.metadata
	}

	ts.h = server.New()
	router.RegisterRoutes(ts.h, handler.NewResumeHandler(cfg, deps), handler.NewMatchHandler(p, handler.WithHealthChecks(opts.checks)))
	return ts
}

func (ts *testServer) do(method, path string, body interface{}) *ut.ResponseRecorder {
	var buf []byte
	switch b := body.(type) {
	case nil:
	case string:
		buf = []byte(b)
	default:
		buf, _ = json.Marshal(b)
	}
	return ut.PerformRequest(ts.h.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(buf), Len: len(buf)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func (ts *testServer) upload(t *testing.T, filename, content string, resumeID string) *ut.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	if resumeID != "" {
		require.NoError(t, w.WriteField("resume_id", resumeID))
	}
	require.NoError(t, w.Close())

	return ut.PerformRequest(ts.h.Engine, "POST", "/api/v1/resumes/upload",
		&ut.Body{Body: &buf, Len: buf.Len()},
		ut.Header{Key: "Content-Type", Value: w.FormDataContentType()})
}

func decode(t *testing.T, w *ut.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Result().Body(), v), string(w.Result().Body()))
}

func TestResumeLifecycle(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	w := ts.do("POST", "/api/v1/resumes", map[string]string{"resume_id": "R1", "text": "5 years Python backend, REST APIs"})
	require.Equal(t, 200, w.Code, string(w.Result().Body()))
	var ingested pipeline.IngestResult
	decode(t, w, &ingested)
	assert.Equal(t, "R1", ingested.ResumeID)
	assert.Equal(t, 1, ingested.ChunkCount)
	assert.True(t, ingested.IndexReady)

	w = ts.do("POST", "/api/v1/resumes", map[string]string{"resume_id": "R2", "text": "Frontend React developer"})
	require.Equal(t, 200, w.Code)

	w = ts.do("POST", "/api/v1/rank", map[string]interface{}{"job_description": "Looking for backend Python engineer", "top_k_resumes": 2})
	require.Equal(t, 200, w.Code)
	var ranked pipeline.RankResult
	decode(t, w, &ranked)
	require.Len(t, ranked.Results, 2)
	assert.Equal(t, "R1", ranked.Results[0].ResumeID)

	w = ts.do("GET", "/api/v1/resumes/R1/text", nil)
	require.Equal(t, 200, w.Code)
	var text map[string]string
	decode(t, w, &text)
	assert.Equal(t, "5 years Python backend, REST APIs", text["text"])

	w = ts.do("DELETE", "/api/v1/resumes/R1", nil)
	require.Equal(t, 200, w.Code)
	var deleted map[string]interface{}
	decode(t, w, &deleted)
	assert.Equal(t, true, deleted["deleted"])

	// 删除是幂等的
	assert.Equal(t, 200, ts.do("DELETE", "/api/v1/resumes/R1", nil).Code)

	w = ts.do("GET", "/api/v1/resumes/R1/text", nil)
	assert.Equal(t, 404, w.Code)

	w = ts.do("POST", "/api/v1/rank", map[string]interface{}{"job_description": "Python", "top_k_resumes": 5})
	decode(t, w, &ranked)
	require.Len(t, ranked.Results, 1)
	assert.Equal(t, "R2", ranked.Results[0].ResumeID)

	assert.Equal(t, 200, ts.do("DELETE", "/api/v1/resumes", nil).Code)
	w = ts.do("POST", "/api/v1/rank", map[string]interface{}{"job_description": "Python"})
	decode(t, w, &ranked)
	assert.Empty(t, ranked.Results)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"空简历", "POST", "/api/v1/resumes", map[string]string{"resume_id": "R1", "text": "   "}, 400, "empty_document"},
		{"非法JSON", "POST", "/api/v1/resumes", "{oops", 400, "invalid_request"},
		{"空JD", "POST", "/api/v1/rank", map[string]string{"job_description": " "}, 400, "invalid_request"},
		{"负数参数", "POST", "/api/v1/rank", map[string]interface{}{"job_description": "go", "top_k_resumes": -1}, 400, "invalid_request"},
		{"未知简历", "GET", "/api/v1/resumes/nope/text", nil, 404, "not_found"},
		{"未配置评估", "POST", "/api/v1/rank", map[string]interface{}{"job_description": "go", "evaluate": true}, 503, "unavailable"},
		{"评估缺少简历", "POST", "/api/v1/evaluate", map[string]string{"job_description": "go"}, 400, "invalid_request"},
		{"未配置元数据", "GET", "/api/v1/resumes/R1", nil, 503, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, string(w.Result().Body()))
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, tt.wantErr, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRankWithEvaluation(t *testing.T) {
	mock := llm.NewMockChatModel(validEvaluation, nil)
	ts := newTestServer(t, serverOptions{chatModel: mock})

	require.Equal(t, 200, ts.do("POST", "/api/v1/resumes", map[string]string{"resume_id": "R1", "text": "Python backend engineer"}).Code)

	w := ts.do("POST", "/api/v1/rank", map[string]interface{}{"job_description": "Python", "evaluate": true})
	require.Equal(t, 200, w.Code, string(w.Result().Body()))
	var body struct {
		Results   []types.EvaluatedResume `json:"results"`
		Evaluated bool                    `json:"evaluated"`
	}
	decode(t, w, &body)
	assert.True(t, body.Evaluated)
	require.Len(t, body.Results, 1)
	require.NotNil(t, body.Results[0].Evaluation)
	assert.Equal(t, "匹配度较高", body.Results[0].Evaluation.Summary)

	w = ts.do("POST", "/api/v1/evaluate", map[string]string{"resume_id": "R1", "job_description": "Python"})
	require.Equal(t, 200, w.Code)
	var result types.EvaluationResult
	decode(t, w, &result)
	require.Len(t, result.Criteria, 1)
	assert.Equal(t, "Python", result.Criteria[0].Skill)

	w = ts.do("POST", "/api/v1/evaluate", map[string]string{"resume_text": "Go developer", "job_description": "Go"})
	assert.Equal(t, 200, w.Code)
}

func TestEvaluate_FormatFailureIsBadGateway(t *testing.T) {
	mock := llm.NewMockChatModel(`{"criteria":[]}`, nil)
	ts := newTestServer(t, serverOptions{chatModel: mock})

	w := ts.do("POST", "/api/v1/evaluate", map[string]string{"resume_text": "Go developer", "job_description": "Go"})
	assert.Equal(t, 502, w.Code)
	assert.Equal(t, 2, mock.CallCount(), "格式错误后应纠正重试一次")
}

func TestUpload_Sync(t *testing.T) {
	ts := newTestServer(t, serverOptions{metadata: true})

	w := ts.upload(t, "r1.txt", "Python backend engineer with Django", "R1")
	require.Equal(t, 200, w.Code, string(w.Result().Body()))
	var ingested pipeline.IngestResult
	decode(t, w, &ingested)
	assert.Equal(t, "R1", ingested.ResumeID)
	assert.Equal(t, models.StatusIngested, ts.metadata.statuses["R1"])
	require.Len(t, ts.metadata.events, 1)
	assert.Equal(t, storage.EventResumeIngested, ts.metadata.events[0].EventType)

	w = ts.upload(t, "empty.txt", "   ", "R2")
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, models.StatusEmpty, ts.metadata.statuses["R2"])

	w = ts.upload(t, "photo.png", "binary", "")
	assert.Equal(t, 415, w.Code)
}

func TestUpload_Async(t *testing.T) {
	ts := newTestServer(t, serverOptions{async: true, metadata: true})

	w := ts.upload(t, "cv.md", "Senior Go engineer", "")
	require.Equal(t, 202, w.Code, string(w.Result().Body()))
	var resp handler.UploadResponse
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.ResumeID)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, storage.OriginalObjectKey(resp.ResumeID, ".md"), resp.ObjectKey)

	require.Len(t, ts.publisher.msgs, 1)
	msg := ts.publisher.msgs[0]
	assert.Equal(t, "resume.events", msg.exchange)
	assert.Equal(t, "resume.ingest", msg.routingKey)
	task, ok := msg.data.(storage.IngestTask)
	require.True(t, ok)
	assert.Equal(t, resp.ResumeID, task.ResumeID)
	assert.Equal(t, "Senior Go engineer", ts.objects.texts[task.ParsedTextKey])
	assert.Equal(t, models.StatusPending, ts.metadata.docs[resp.ResumeID].Status)

	// 异步模式下尚未入库
	assert.Equal(t, 404, ts.do("GET", "/api/v1/resumes/"+resp.ResumeID+"/text", nil).Code)
}

func TestUpload_StorageFailure(t *testing.T) {
	ts := newTestServer(t, serverOptions{async: true})
	ts.objects.failWith = errors.New("minio down")

	w := ts.upload(t, "cv.txt", "text", "R1")
	assert.Equal(t, 500, w.Code)
	assert.Empty(t, ts.publisher.msgs)
}

func TestDelete_CleansObjectsAndMetadata(t *testing.T) {
	ts := newTestServer(t, serverOptions{async: true, metadata: true})
	ts.metadata.docs["R1"] = &models.ResumeDocument{ResumeID: "R1", Status: models.StatusIngested}

	w := ts.do("DELETE", "/api/v1/resumes/R1", nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, []string{"R1"}, ts.objects.deleted)
	assert.NotContains(t, ts.metadata.docs, "R1")
	require.Len(t, ts.metadata.events, 1)
	assert.Equal(t, storage.EventResumeDeleted, ts.metadata.events[0].EventType)
}

func TestListAndGet(t *testing.T) {
	ts := newTestServer(t, serverOptions{metadata: true})
	for _, id := range []string{"R1", "R2", "R3"} {
		require.Equal(t, 200, ts.do("POST", "/api/v1/resumes", map[string]string{"resume_id": id, "text": "engineer " + id}).Code)
		ts.metadata.docs[id] = &models.ResumeDocument{ResumeID: id, Status: ts.metadata.statuses[id]}
	}

	w := ts.do("GET", "/api/v1/resumes?size=2", nil)
	require.Equal(t, 200, w.Code)
	var page handler.PaginatedResumeResponse
	decode(t, w, &page)
	assert.Len(t, page.Resumes, 2)
	assert.Equal(t, int64(3), page.TotalCount)
	assert.Equal(t, 2, page.NextCursor)

	w = ts.do("GET", "/api/v1/resumes?status=FAILED", nil)
	decode(t, w, &page)
	assert.Empty(t, page.Resumes)
	assert.NotNil(t, page.Resumes)

	w = ts.do("GET", "/api/v1/resumes/R2", nil)
	require.Equal(t, 200, w.Code)
	var doc models.ResumeDocument
	decode(t, w, &doc)
	assert.Equal(t, models.StatusIngested, doc.Status)

	assert.Equal(t, 404, ts.do("GET", "/api/v1/resumes/R9", nil).Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	w := ts.do("GET", "/api/v1/health", nil)
	require.Equal(t, 200, w.Code)
	var body struct {
		Status         string                       `json:"status"`
		EmbeddingModel string                       `json:"embedding_model"`
		Backends       map[string]map[string]string `json:"backends"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, embedding.HashingModelName, body.EmbeddingModel)
	assert.Empty(t, body.Backends)
}

func TestHealth_ReportsBackends(t *testing.T) {
	ts := newTestServer(t, serverOptions{checks: map[string]storage.HealthCheck{
		"qdrant": func(context.Context) (string, error) { return "12 points", nil },
		"redis":  func(context.Context) (string, error) { return "", errors.New("connection refused") },
	}})

	w := ts.do("GET", "/api/v1/health", nil)
	require.Equal(t, 503, w.Code)
	var body struct {
		Status   string                       `json:"status"`
		Backends map[string]map[string]string `json:"backends"`
	}
	decode(t, w, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Backends["qdrant"]["status"])
	assert.Equal(t, "12 points", body.Backends["qdrant"]["detail"])
	assert.Equal(t, "down", body.Backends["redis"]["status"])
	assert.Contains(t, body.Backends["redis"]["error"], "connection refused")
}
