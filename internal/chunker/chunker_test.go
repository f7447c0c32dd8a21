package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"resume-ranker/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomText(r *rand.Rand, n int) string {
	alphabet := []rune("abcdefghij klmnop\nqrstuv 简历经验技能\t")
	out := make([]rune, n)
	for i := range out {
		out[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(out)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)
	_, err = New(100, 100)
	assert.Error(t, err, "overlap等于size时无法推进窗口")
	_, err = New(100, -1)
	assert.Error(t, err)

	c, err := New(DefaultChunkSize, DefaultChunkOverlap)
	require.NoError(t, err)
	assert.Equal(t, 1000, c.Size())
	assert.Equal(t, 200, c.Overlap())
}

func TestSplit_ShortTextYieldsSingleChunk(t *testing.T) {
	c, _ := New(DefaultChunkSize, DefaultChunkOverlap)
	r := rand.New(rand.NewSource(1))

	for _, n := range []int{1, 10, 999, 1000} {
		text := randomText(r, n)
		chunks := c.Split(text)
		require.Len(t, chunks, 1, "长度为%d的文本应只产生一个分块", n)
		assert.Equal(t, text, chunks[0])
	}
}

func TestSplit_EmptyText(t *testing.T) {
	c, _ := New(DefaultChunkSize, DefaultChunkOverlap)
	assert.Empty(t, c.Split(""))

	_, err := c.SplitDocument("r1", "")
	assert.ErrorIs(t, err, types.ErrEmptyDocument)

	_, err = c.SplitDocument("r1", " \n\t ")
	assert.ErrorIs(t, err, types.ErrEmptyDocument, "纯空白文本同样视为空文档")
}

func TestSplit_OverlapAndReconstruction(t *testing.T) {
	c, _ := New(DefaultChunkSize, DefaultChunkOverlap)
	r := rand.New(rand.NewSource(42))

	for _, n := range []int{1001, 1800, 1801, 2500, 10000} {
		text := randomText(r, n)
		chunks := c.Split(text)
		require.Greater(t, len(chunks), 1)

		for i, chunk := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 1000, "分块长度不应超过1000")
			if i == 0 {
				continue
			}
			prev := []rune(chunks[i-1])
			cur := []rune(chunk)
			assert.Equal(t, string(prev[len(prev)-200:]), string(cur[:200]),
				"第%d个分块应以上一个分块的最后200个字符开头", i)
		}

		assert.Equal(t, text, c.Reconstruct(chunks), "去掉重叠后拼接应还原原文 (n=%d)", n)
	}
}

func TestSplitDocument_AssignsIndexes(t *testing.T) {
	c, _ := New(10, 3)
	chunks, err := c.SplitDocument("resume-7", strings.Repeat("x", 25))
	require.NoError(t, err)

	// 窗口: [0,10) [7,17) [14,24) [21,25)
	require.Len(t, chunks, 4)
	for i, ch := range chunks {
		assert.Equal(t, "resume-7", ch.ResumeID)
		assert.Equal(t, i, ch.ChunkIndex)
	}
	assert.Equal(t, 4, utf8.RuneCountInString(chunks[3].Text))
}

func TestSplit_ZeroOverlap(t *testing.T) {
	c, _ := New(4, 0)
	chunks := c.Split("abcdefghij")
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
	assert.Equal(t, "abcdefghij", c.Reconstruct(chunks))
}
