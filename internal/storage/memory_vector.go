package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"resume-ranker/internal/types"
)

type memoryKey struct {
	resumeID   string
	chunkIndex int
}

type memoryMarker struct {
	resumeID  string
	writtenAt time.Time
}

// MemoryVectorStore 进程内暴力余弦检索的向量库，用于本地运行与测试
type MemoryVectorStore struct {
	mu       sync.RWMutex
	dim      int
	chunks   map[memoryKey]types.VectorRecord
	markers  map[string]memoryMarker
	indexLag time.Duration
	policy   ReadinessPolicy
	nowFunc  func() time.Time
}

var _ VectorStore = (*MemoryVectorStore)(nil)

// MemoryOption 内存向量库选项
type MemoryOption func(*MemoryVectorStore)

// WithIndexLag 模拟外部索引延迟：标记写入后经过 lag 才可被检索到
func WithIndexLag(lag time.Duration) MemoryOption {
	return func(m *MemoryVectorStore) { m.indexLag = lag }
}

// WithMemoryReadinessPolicy 设置就绪轮询策略
func WithMemoryReadinessPolicy(p ReadinessPolicy) MemoryOption {
	return func(m *MemoryVectorStore) { m.policy = p }
}

// NewMemoryVectorStore 创建指定维度的内存向量库
func NewMemoryVectorStore(dim int, opts ...MemoryOption) *MemoryVectorStore {
	m := &MemoryVectorStore{
		dim:     dim,
		chunks:  make(map[memoryKey]types.VectorRecord),
		markers: make(map[string]memoryMarker),
		policy:  ReadinessPolicy{Interval: 10 * time.Millisecond, MaxInterval: 100 * time.Millisecond},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryVectorStore) Upsert(ctx context.Context, records ...types.VectorRecord) error {
	for _, r := range records {
		if len(r.Embedding) != m.dim {
			return fmt.Errorf("向量维度不匹配: 得到 %d, 期望 %d", len(r.Embedding), m.dim)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Kind = types.KindChunk
		r.Embedding = append([]float32(nil), r.Embedding...)
		m.chunks[memoryKey{r.ResumeID, r.ChunkIndex}] = r
	}
	return nil
}

func (m *MemoryVectorStore) MarkIndexReady(ctx context.Context, resumeID, batchToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[batchToken] = memoryMarker{resumeID: resumeID, writtenAt: m.nowFunc()}
	return nil
}

func (m *MemoryVectorStore) AwaitReady(ctx context.Context, batchToken string, timeout time.Duration) (bool, error) {
	return pollUntilReady(ctx, timeout, m.policy, func(context.Context) (bool, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		marker, ok := m.markers[batchToken]
		if !ok {
			return false, nil
		}
		return m.nowFunc().Sub(marker.writtenAt) >= m.indexLag, nil
	})
}

func (m *MemoryVectorStore) RemoveMarker(ctx context.Context, batchToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, batchToken)
	return nil
}

func (m *MemoryVectorStore) Search(ctx context.Context, vector []float32, topN int, model string) ([]types.SimilarityHit, error) {
	if topN <= 0 {
		return []types.SimilarityHit{}, nil
	}
	if len(vector) != m.dim {
		return nil, fmt.Errorf("查询向量维度不匹配: 得到 %d, 期望 %d", len(vector), m.dim)
	}

	m.mu.RLock()
	hits := make([]types.SimilarityHit, 0, len(m.chunks))
	for _, r := range m.chunks {
		if model != "" && r.Model != model {
			continue
		}
		hits = append(hits, types.SimilarityHit{
			ResumeID:   r.ResumeID,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Text,
			Score:      CosineSimilarity(vector, r.Embedding),
		})
	}
	m.mu.RUnlock()

	SortHits(hits)
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

func (m *MemoryVectorStore) DeleteResume(ctx context.Context, resumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.resumeID == resumeID {
			delete(m.chunks, k)
		}
	}
	for token, marker := range m.markers {
		if marker.resumeID == resumeID {
			delete(m.markers, token)
		}
	}
	return nil
}

func (m *MemoryVectorStore) PruneChunks(ctx context.Context, resumeID string, fromIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.resumeID == resumeID && k.chunkIndex >= fromIndex {
			delete(m.chunks, k)
		}
	}
	return nil
}

func (m *MemoryVectorStore) ResumeChunks(ctx context.Context, resumeID string) ([]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chunks []types.Chunk
	for k, r := range m.chunks {
		if k.resumeID != resumeID {
			continue
		}
		chunks = append(chunks, types.Chunk{
			ResumeID:   r.ResumeID,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Text,
			Embedding:  r.Embedding,
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (m *MemoryVectorStore) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[memoryKey]types.VectorRecord)
	m.markers = make(map[string]memoryMarker)
	return nil
}

// Len 返回当前分块数量
func (m *MemoryVectorStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}
