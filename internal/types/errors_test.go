package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineError_IsAndUnwrap(t *testing.T) {
	err := NewEmbeddingError("r1", errors.New("connection refused"))
	wrapped := fmt.Errorf("ingest失败: %w", err)

	assert.True(t, errors.Is(wrapped, ErrEmbeddingFailure))
	assert.False(t, errors.Is(wrapped, ErrEmptyDocument))

	var pe *PipelineError
	assert.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, "r1", pe.ResumeID)
	assert.Equal(t, "embed", pe.Op)
	assert.Contains(t, pe.Error(), "connection refused")
}

func TestPipelineError_MessageWithoutDetail(t *testing.T) {
	err := NewEmptyDocumentError("r2")
	assert.Equal(t, "简历文本为空 (操作:chunk, 简历:r2)", err.Error())
}

func TestIndexTimeoutError(t *testing.T) {
	err := NewIndexTimeoutError("r3", "tok")
	assert.ErrorIs(t, err, ErrIndexNotReadyTimeout)
	assert.Contains(t, err.Error(), "batch_token=tok")
}

func TestEmbeddingError_KeepsCause(t *testing.T) {
	transient := NewEmbeddingError("r1", fmt.Errorf("%w: 状态码 503", ErrTransient))
	assert.ErrorIs(t, transient, ErrEmbeddingFailure)
	assert.ErrorIs(t, transient, ErrTransient)

	permanent := NewEmbeddingError("r1", errors.New("向量维度不匹配"))
	assert.ErrorIs(t, permanent, ErrEmbeddingFailure)
	assert.False(t, errors.Is(permanent, ErrTransient))
}
