// Package chunker 将简历文本切分为定长、相互重叠的分块
package chunker

import (
	"fmt"
	"strings"

	"resume-ranker/internal/config"
	"resume-ranker/internal/types"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunker 基于字符数的滑动窗口分块器，长度按 rune 计算
type Chunker struct {
	size    int
	overlap int
}

// New 创建分块器，要求 0 <= overlap < size
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk_size 必须大于0, 当前: %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk_overlap 必须在 [0, %d) 范围内, 当前: %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// NewFromConfig 从流水线配置创建分块器
func NewFromConfig(cfg config.PipelineConfig) (*Chunker, error) {
	return New(cfg.ChunkSize, cfg.ChunkOverlap)
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split 切分文本。空文本返回零个分块；长度不超过 size 的文本返回唯一一个与原文相同的分块。
// 之后的每个分块都从上一个分块末尾往前 overlap 个字符处开始。
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	chunks := make([]string, 0, n/(c.size-c.overlap)+1)
	start := 0
	for {
		end := start + c.size
		if end > n {
			end = n
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == n {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

// SplitDocument 切分一份简历并附上分块序号，纯空白文本返回 ErrEmptyDocument
func (c *Chunker) SplitDocument(resumeID, text string) ([]types.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.NewEmptyDocumentError(resumeID)
	}

	parts := c.Split(text)
	chunks := make([]types.Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = types.Chunk{
			ResumeID:   resumeID,
			ChunkIndex: i,
			Text:       part,
		}
	}
	return chunks, nil
}

// Reconstruct 去掉每个后续分块开头的重叠部分并拼接，得到原文
func (c *Chunker) Reconstruct(chunks []string) string {
	var sb strings.Builder
	for i, chunk := range chunks {
		if i == 0 {
			sb.WriteString(chunk)
			continue
		}
		runes := []rune(chunk)
		if len(runes) <= c.overlap {
			continue
		}
		sb.WriteString(string(runes[c.overlap:]))
	}
	return sb.String()
}
