package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/embedding"
)

// HashingModelName 特征哈希向量的模型标识
const HashingModelName = "hashing-bow-v1"

// HashingEmbedder 基于词袋特征哈希的确定性向量化，不依赖外部服务
// 同一文本总是得到同一向量，适合离线运行与测试
type HashingEmbedder struct {
	dimensions int
}

var _ embedding.Embedder = (*HashingEmbedder)(nil)

// NewHashingEmbedder 创建指定维度的哈希向量化器
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashingEmbedder{dimensions: dimensions}
}

func (h *HashingEmbedder) GetDimensions() int {
	return h.dimensions
}

// EmbedStrings 小写化后按字母数字切词，每个词落入 fnv32a(词) % D 号桶并计数，最后做L2归一化
func (h *HashingEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashingEmbedder) embed(text string) []float64 {
	vec := make([]float64, h.dimensions)
	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(token))
		vec[hasher.Sum32()%uint32(h.dimensions)] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
