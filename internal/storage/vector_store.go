package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"resume-ranker/internal/types"

	"github.com/gofrs/uuid/v5"
)

// QdrantPointIDNamespace 生成确定性点ID的命名空间，同一简历的同一分块总是得到同一个点ID
var QdrantPointIDNamespace = uuid.Must(uuid.FromString("fd6c72c2-5a33-4b53-8e7c-8298f3f5a7e1"))

// VectorStore 分块向量的持久化与最近邻检索
type VectorStore interface {
	// Upsert 写入分块向量，按 (resume_id, chunk_index) 幂等覆盖
	Upsert(ctx context.Context, records ...types.VectorRecord) error

	// MarkIndexReady 在一批写入之后写入索引就绪标记
	MarkIndexReady(ctx context.Context, resumeID, batchToken string) error

	// AwaitReady 轮询直到标记可被检索到；超时返回 false 而非错误，上下文取消时返回 ctx.Err()
	AwaitReady(ctx context.Context, batchToken string, timeout time.Duration) (bool, error)

	// RemoveMarker 删除某一批次的就绪标记
	RemoveMarker(ctx context.Context, batchToken string) error

	// Search 按余弦相似度降序返回最多 topN 个分块命中，只返回 model 产生的分块
	Search(ctx context.Context, vector []float32, topN int, model string) ([]types.SimilarityHit, error)

	// DeleteResume 同步删除某简历的全部分块与标记，不存在时为空操作
	DeleteResume(ctx context.Context, resumeID string) error

	// PruneChunks 删除 chunk_index >= fromIndex 的旧分块
	PruneChunks(ctx context.Context, resumeID string, fromIndex int) error

	// ResumeChunks 按 chunk_index 升序返回某简历的全部分块
	ResumeChunks(ctx context.Context, resumeID string) ([]types.Chunk, error)

	// DeleteAll 清空所有简历
	DeleteAll(ctx context.Context) error
}

// ChunkPointID 分块的确定性点ID
func ChunkPointID(resumeID string, chunkIndex int) string {
	return uuid.NewV5(QdrantPointIDNamespace, fmt.Sprintf("resume_id:%s_chunk_id:%d", resumeID, chunkIndex)).String()
}

// MarkerPointID 就绪标记的点ID
func MarkerPointID(batchToken string) string {
	return uuid.NewV5(QdrantPointIDNamespace, "marker:"+batchToken).String()
}

// MarkerVector 为批次令牌生成一个确定的单位向量，用于通过相似度检索找回标记
func MarkerVector(batchToken string, dim int) []float32 {
	vec := make([]float32, dim)
	if dim == 0 {
		return vec
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(batchToken))
	vec[h.Sum32()%uint32(dim)] = 1
	return vec
}

// SortHits 按分数降序排序，分数相同时按 resume_id、chunk_index 升序
func SortHits(hits []types.SimilarityHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].ResumeID != hits[j].ResumeID {
			return hits[i].ResumeID < hits[j].ResumeID
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
}

// CosineSimilarity 计算两个向量的余弦相似度，维度不同或含零向量时返回0
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
