package handler

import (
	"context"
	"errors"

	"resume-ranker/internal/pipeline"
	"resume-ranker/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// 错误响应中的 code 字段
const (
	codeInvalidRequest   = "invalid_request"
	codeEmptyDocument    = "empty_document"
	codeNotFound         = "not_found"
	codeEmbeddingFailure = "embedding_failure"
	codeEvaluation       = "evaluation_format"
	codeUnavailable      = "unavailable"
	codeTimeout          = "timeout"
	codeTooLarge         = "payload_too_large"
	codeUnsupported      = "unsupported_media"
	codeInternal         = "internal"
)

// statusFor 将领域错误映射为HTTP状态码与错误码
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return consts.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, types.ErrEmptyDocument):
		return consts.StatusBadRequest, codeEmptyDocument
	case errors.Is(err, types.ErrNotFound):
		return consts.StatusNotFound, codeNotFound
	case errors.Is(err, types.ErrEmbeddingFailure):
		return consts.StatusBadGateway, codeEmbeddingFailure
	case errors.Is(err, types.ErrEvaluationFormat):
		return consts.StatusBadGateway, codeEvaluation
	case errors.Is(err, pipeline.ErrEvaluatorNotConfigured):
		return consts.StatusServiceUnavailable, codeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return consts.StatusGatewayTimeout, codeTimeout
	default:
		return consts.StatusInternalServerError, codeInternal
	}
}

func writeError(c *app.RequestContext, err error) {
	status, code := statusFor(err)
	c.JSON(status, utils.H{"error": err.Error(), "code": code})
}

func writeErrorCode(c *app.RequestContext, status int, code, msg string) {
	c.JSON(status, utils.H{"error": msg, "code": code})
}
