package types

import (
	"errors"
	"fmt"
)

// 基础错误类型
var (
	ErrEmptyDocument        = errors.New("简历文本为空")
	ErrEmbeddingFailure     = errors.New("生成向量失败")
	ErrIndexNotReadyTimeout = errors.New("等待向量索引就绪超时")
	ErrEvaluationFormat     = errors.New("评估结果格式不符合约定")
	ErrNotFound             = errors.New("简历不存在")
	ErrInvalidRequest       = errors.New("请求参数无效")

	// ErrTransient 标记可重试的下游故障，如网络错误、限流或5xx
	ErrTransient = errors.New("下游服务暂时不可用")
)

// PipelineError 携带简历ID与操作信息的错误
type PipelineError struct {
	ResumeID string
	Op       string
	BaseErr  error
	Detail   string
	Cause    error // 下游原始错误，参与 errors.Is 判断
}

func (e *PipelineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 简历:%s): %s", e.BaseErr, e.Op, e.ResumeID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 简历:%s)", e.BaseErr, e.Op, e.ResumeID)
}

func (e *PipelineError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *PipelineError) Is(target error) bool {
	if errors.Is(e.BaseErr, target) {
		return true
	}
	return e.Cause != nil && errors.Is(e.Cause, target)
}

func NewEmptyDocumentError(resumeID string) error {
	return &PipelineError{
		ResumeID: resumeID,
		Op:       "chunk",
		BaseErr:  ErrEmptyDocument,
	}
}

func NewEmbeddingError(resumeID string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &PipelineError{
		ResumeID: resumeID,
		Op:       "embed",
		BaseErr:  ErrEmbeddingFailure,
		Detail:   detail,
		Cause:    cause,
	}
}

func NewIndexTimeoutError(resumeID, batchToken string) error {
	return &PipelineError{
		ResumeID: resumeID,
		Op:       "await_ready",
		BaseErr:  ErrIndexNotReadyTimeout,
		Detail:   "batch_token=" + batchToken,
	}
}

func NewEvaluationFormatError(resumeID, detail string) error {
	return &PipelineError{
		ResumeID: resumeID,
		Op:       "evaluate",
		BaseErr:  ErrEvaluationFormat,
		Detail:   detail,
	}
}

func NewInvalidRequestError(detail string) error {
	return &PipelineError{
		Op:      "validate",
		BaseErr: ErrInvalidRequest,
		Detail:  detail,
	}
}
