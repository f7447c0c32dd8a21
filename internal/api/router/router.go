package router

import (
	"resume-ranker/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app/server"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, resumeHandler *handler.ResumeHandler, matchHandler *handler.MatchHandler) {
	api := h.Group("/api/v1")

	resumes := api.Group("/resumes")
	resumes.POST("/upload", resumeHandler.HandleUpload)
	resumes.POST("", resumeHandler.HandleCreate)
	resumes.GET("", resumeHandler.HandleList)
	resumes.DELETE("", resumeHandler.HandleDeleteAll)
	resumes.GET("/:resume_id", resumeHandler.HandleGet)
	resumes.GET("/:resume_id/text", resumeHandler.HandleGetText)
	resumes.DELETE("/:resume_id", resumeHandler.HandleDelete)

	api.POST("/rank", matchHandler.HandleRank)
	api.POST("/evaluate", matchHandler.HandleEvaluate)

	// 健康检查
	api.GET("/health", matchHandler.HandleHealth)
}
