package handler

import (
	"context"
	"strconv"

	"resume-ranker/internal/storage/models"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PaginatedResumeResponse 简历列表分页响应
type PaginatedResumeResponse struct {
	Status     string                  `json:"status,omitempty"`
	Cursor     int                     `json:"cursor"`
	NextCursor int                     `json:"next_cursor"`
	Size       int                     `json:"size"`
	TotalCount int64                   `json:"total_count"`
	Resumes    []models.ResumeDocument `json:"resumes"`
}

// HandleList 按状态分页列出简历元数据
// GET /api/v1/resumes?status=&cursor=&size=
func (h *ResumeHandler) HandleList(ctx context.Context, c *app.RequestContext) {
	if h.deps.Metadata == nil {
		writeErrorCode(c, consts.StatusServiceUnavailable, codeUnavailable, "元数据存储未配置")
		return
	}

	cursor := 0
	if v, err := strconv.Atoi(c.Query("cursor")); err == nil && v > 0 {
		cursor = v
	}
	size := defaultPageSize
	if v, err := strconv.Atoi(c.Query("size")); err == nil && v > 0 && v <= maxPageSize {
		size = v
	}
	status := c.Query("status")

	docs, total, err := h.deps.Metadata.ListResumeDocuments(ctx, status, size, cursor)
	if err != nil {
		h.logger.Error().Err(err).Str("status", status).Msg("列出简历失败")
		writeError(c, err)
		return
	}
	if docs == nil {
		docs = []models.ResumeDocument{}
	}

	// 已是最后一页时游标保持不变
	nextCursor := cursor + len(docs)
	if int64(nextCursor) >= total {
		nextCursor = cursor
	}

	c.JSON(consts.StatusOK, PaginatedResumeResponse{
		Status:     status,
		Cursor:     cursor,
		NextCursor: nextCursor,
		Size:       size,
		TotalCount: total,
		Resumes:    docs,
	})
}
