package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"resume-ranker/internal/logger"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

const healthCheckTimeout = 2 * time.Second

// MatchHandler 检索排序与评估接口
type MatchHandler struct {
	svc    MatchingService
	checks map[string]storage.HealthCheck
	logger zerolog.Logger
}

// MatchOption 配置 MatchHandler
type MatchOption func(*MatchHandler)

// WithHealthChecks 健康检查时逐个探测这些后端
func WithHealthChecks(checks map[string]storage.HealthCheck) MatchOption {
	return func(h *MatchHandler) {
		h.checks = checks
	}
}

// NewMatchHandler 创建排序处理器
func NewMatchHandler(svc MatchingService, opts ...MatchOption) *MatchHandler {
	h := &MatchHandler{svc: svc, logger: logger.Component("match_handler")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RankHTTPRequest 在 RankRequest 之上增加是否评估的开关
type RankHTTPRequest struct {
	types.RankRequest
	Evaluate bool `json:"evaluate"`
}

// HandleRank 按职位描述检索并排序简历
// POST /api/v1/rank
func (h *MatchHandler) HandleRank(ctx context.Context, c *app.RequestContext) {
	var req RankHTTPRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		writeErrorCode(c, consts.StatusBadRequest, codeInvalidRequest, "请求体不是有效的JSON")
		return
	}
	start := time.Now()

	if req.Evaluate {
		results, err := h.svc.RankAndEvaluate(ctx, req.RankRequest)
		if err != nil {
			writeError(c, err)
			return
		}
		h.logger.Info().Int("results", len(results)).Dur("elapsed", time.Since(start)).Msg("排序并评估完成")
		c.JSON(consts.StatusOK, utils.H{"results": results, "evaluated": true})
		return
	}

	result, err := h.svc.Rank(ctx, req.RankRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info().
		Int("results", len(result.Results)).
		Int("chunk_window", result.ChunkWindow).
		Bool("query_cached", result.QueryCached).
		Dur("elapsed", time.Since(start)).
		Msg("排序完成")
	c.JSON(consts.StatusOK, result)
}

// EvaluateRequest resume_text 为空时按 resume_id 重建文本
type EvaluateRequest struct {
	ResumeID       string `json:"resume_id"`
	ResumeText     string `json:"resume_text"`
	JobDescription string `json:"job_description"`
}

// HandleEvaluate 对单份简历做结构化评估
// POST /api/v1/evaluate
func (h *MatchHandler) HandleEvaluate(ctx context.Context, c *app.RequestContext) {
	var req EvaluateRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		writeErrorCode(c, consts.StatusBadRequest, codeInvalidRequest, "请求体不是有效的JSON")
		return
	}
	if strings.TrimSpace(req.JobDescription) == "" {
		writeError(c, types.NewInvalidRequestError("job_description 不能为空"))
		return
	}

	text := req.ResumeText
	if strings.TrimSpace(text) == "" {
		if req.ResumeID == "" {
			writeError(c, types.NewInvalidRequestError("resume_id 与 resume_text 至少提供一个"))
			return
		}
		var err error
		text, err = h.svc.ResumeText(ctx, req.ResumeID)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	result, err := h.svc.Evaluate(ctx, req.ResumeID, text, req.JobDescription)
	if err != nil {
		h.logger.Warn().Err(err).Str("resume_id", req.ResumeID).Msg("评估失败")
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, result)
}

// HandleHealth 健康检查，任一后端不可用时返回 503
// GET /api/v1/health
func (h *MatchHandler) HandleHealth(ctx context.Context, c *app.RequestContext) {
	status := "ok"
	backends := make(map[string]utils.H, len(h.checks))
	for name, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		detail, err := check(checkCtx)
		cancel()
		if err != nil {
			status = "degraded"
			backends[name] = utils.H{"status": "down", "error": err.Error()}
			h.logger.Warn().Err(err).Str("backend", name).Msg("后端健康检查失败")
			continue
		}
		backends[name] = utils.H{"status": "ok", "detail": detail}
	}

	code := consts.StatusOK
	if status != "ok" {
		code = consts.StatusServiceUnavailable
	}
	c.JSON(code, utils.H{
		"status":          status,
		"embedding_model": h.svc.EmbeddingModel(),
		"backends":        backends,
	})
}
