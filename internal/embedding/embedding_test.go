package embedding_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"resume-ranker/internal/config"
	"resume-ranker/internal/embedding"
	"resume-ranker/internal/types"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 记录收到的文本并返回 [len(text), 序号] 形式向量的假 Embedder
type fakeEmbedder struct {
	calls  int32
	failOn string
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	atomic.AddInt32(&f.calls, 1)
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if f.failOn != "" && text == f.failOn {
			return nil, errors.New("upstream 503")
		}
		out[i] = []float64{float64(len(text)), 1}
	}
	return out, nil
}

func TestClient_EmbedAllPreservesOrder(t *testing.T) {
	fake := &fakeEmbedder{}
	client, err := embedding.NewClient(fake, "fake-model", 2, embedding.WithBatchSize(2), embedding.WithConcurrency(3))
	require.NoError(t, err)

	texts := make([]string, 9)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	vectors, err := client.EmbedAll(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0], "第%d条向量顺序错误", i)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&fake.calls), "9条文本按每批2条应发出5次请求")
	assert.Equal(t, "fake-model", client.Model())
}

func TestClient_ErrorsWrapEmbeddingFailure(t *testing.T) {
	client, err := embedding.NewClient(&fakeEmbedder{failOn: "bad"}, "fake-model", 2, embedding.WithBatchSize(1))
	require.NoError(t, err)

	_, err = client.EmbedAll(context.Background(), []string{"ok", "bad", "ok2"})
	assert.ErrorIs(t, err, types.ErrEmbeddingFailure)

	_, err = client.Embed(context.Background(), "bad")
	assert.ErrorIs(t, err, types.ErrEmbeddingFailure)
}

func TestClient_DimensionMismatch(t *testing.T) {
	client, err := embedding.NewClient(&fakeEmbedder{}, "fake-model", 3)
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "abc")
	assert.ErrorIs(t, err, types.ErrEmbeddingFailure, "维度不一致必须视为向量化失败")
}

func TestHashingEmbedder_DeterministicAndNormalized(t *testing.T) {
	h := embedding.NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := h.EmbedStrings(ctx, []string{"Python backend, REST APIs"})
	require.NoError(t, err)
	b, err := h.EmbedStrings(ctx, []string{"python BACKEND rest apis"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "大小写与标点不应影响向量")

	var norm float64
	for _, v := range a[0] {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	empty, err := h.EmbedStrings(ctx, []string{"  ,, "})
	require.NoError(t, err)
	assert.Len(t, empty[0], 64)
}

func TestNewClientFromConfig_Hashing(t *testing.T) {
	client, err := embedding.NewClientFromConfig(config.EmbeddingConfig{Provider: "hashing", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, embedding.HashingModelName, client.Model())
	assert.Equal(t, 32, client.Dimensions())

	_, err = embedding.NewClientFromConfig(config.EmbeddingConfig{Provider: "unknown", Dimensions: 32})
	assert.Error(t, err)
}

func TestOpenAIEmbedder_EmbedStrings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 2, req.Dimensions)

		// 故意打乱 index 顺序，客户端应按 index 还原
		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"index":     i,
				"embedding": []float64{float64(i), 0.5},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data, "model": req.Model})
	}))
	defer server.Close()

	e, err := embedding.NewOpenAIEmbedder(config.EmbeddingConfig{
		APIKey:     "test-key",
		Model:      "text-embedding-3-small",
		Dimensions: 2,
		BaseURL:    server.URL,
	})
	require.NoError(t, err)

	vectors, err := e.EmbedStrings(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Equal(t, float64(i), v[0])
	}
}

func TestOpenAIEmbedder_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"auth_error"}}`)
	}))
	defer server.Close()

	e, err := embedding.NewOpenAIEmbedder(config.EmbeddingConfig{APIKey: "k", Model: "m", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = e.EmbedStrings(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.False(t, errors.Is(err, types.ErrTransient), "鉴权失败不可重试")

	_, err = embedding.NewOpenAIEmbedder(config.EmbeddingConfig{Model: "m"})
	assert.Error(t, err, "缺少API密钥应返回错误")
}

func TestOpenAIEmbedder_TransientErrors(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			fmt.Fprint(w, `upstream busy`)
		}))

		e, err := embedding.NewOpenAIEmbedder(config.EmbeddingConfig{APIKey: "k", Model: "m", BaseURL: server.URL})
		require.NoError(t, err)
		client, err := embedding.NewClient(e, "m", 2)
		require.NoError(t, err)

		_, err = client.Embed(context.Background(), "a")
		assert.ErrorIs(t, err, types.ErrEmbeddingFailure)
		assert.ErrorIs(t, err, types.ErrTransient, "状态码 %d 应可重试", status)
		server.Close()
	}

	// 连接失败同样可重试
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()
	e, err := embedding.NewOpenAIEmbedder(config.EmbeddingConfig{APIKey: "k", Model: "m", BaseURL: url})
	require.NoError(t, err)
	_, err = e.EmbedStrings(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestClient_DimensionMismatchIsPermanent(t *testing.T) {
	client, err := embedding.NewClient(&fakeEmbedder{}, "fake-model", 8)
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "abc")
	assert.ErrorIs(t, err, types.ErrEmbeddingFailure)
	assert.False(t, errors.Is(err, types.ErrTransient), "维度不一致重试也不会成功")
}
