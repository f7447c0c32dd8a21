package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/parser"
	"resume-ranker/internal/pipeline"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"
	"resume-ranker/internal/types"
	"resume-ranker/internal/worker"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// MatchingService 处理器依赖的流水线操作，pipeline.MatchingPipeline 实现了该接口
type MatchingService interface {
	Ingest(ctx context.Context, doc types.ResumeDocument) (*pipeline.IngestResult, error)
	Rank(ctx context.Context, req types.RankRequest) (*pipeline.RankResult, error)
	RankAndEvaluate(ctx context.Context, req types.RankRequest) ([]types.EvaluatedResume, error)
	Delete(ctx context.Context, resumeID string) error
	DeleteAll(ctx context.Context) error
	ResumeText(ctx context.Context, resumeID string) (string, error)
	Evaluate(ctx context.Context, resumeID, resumeText, jobDescription string) (*types.EvaluationResult, error)
	EmbeddingModel() string
}

// ResumeMetadata 简历元数据存储，storage.MySQL 实现了该接口
type ResumeMetadata interface {
	worker.StatusRecorder
	UpsertResumeDocument(ctx context.Context, doc *models.ResumeDocument) error
	DeleteResumeDocument(ctx context.Context, resumeID string, event *models.OutboxMessage) error
	DeleteAllResumeDocuments(ctx context.Context) (int64, error)
	GetResumeDocument(ctx context.Context, resumeID string) (*models.ResumeDocument, error)
	ListResumeDocuments(ctx context.Context, status string, limit, offset int) ([]models.ResumeDocument, int64, error)
}

// Deps 处理器依赖。Pipeline 必需；其余为 nil 时对应功能降级
type Deps struct {
	Pipeline  MatchingService
	Extractor parser.TextExtractor
	Objects   storage.ObjectStorage
	Publisher storage.MessagePublisher
	Metadata  ResumeMetadata
}

// ResumeHandler 简历入库、删除与查询接口
type ResumeHandler struct {
	cfg      *config.Config
	deps     Deps
	outcomes *worker.OutcomeRecorder
	logger   zerolog.Logger
}

// NewResumeHandler 创建简历处理器
func NewResumeHandler(cfg *config.Config, deps Deps) *ResumeHandler {
	h := &ResumeHandler{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Component("resume_handler"),
	}
	if deps.Metadata != nil {
		h.outcomes = worker.NewOutcomeRecorder(deps.Metadata, cfg.RabbitMQ.ResumeEventsExchange)
	}
	return h
}

// asyncIngest 同时具备对象存储与消息队列时上传走异步入库
func (h *ResumeHandler) asyncIngest() bool {
	return h.deps.Objects != nil && h.deps.Publisher != nil
}

// UploadResponse 异步上传的受理结果
type UploadResponse struct {
	ResumeID   string `json:"resume_id"`
	Status     string `json:"status"`
	ObjectKey  string `json:"object_key,omitempty"`
	TextLength int    `json:"text_length"`
	RequestID  string `json:"request_id"`
}

// HandleUpload 上传简历文件并入库
// POST /api/v1/resumes/upload
func (h *ResumeHandler) HandleUpload(ctx context.Context, c *app.RequestContext) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeErrorCode(c, consts.StatusBadRequest, codeInvalidRequest, "文件未找到")
		return
	}
	maxBytes := int64(h.cfg.Server.MaxUploadMB) << 20
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		writeErrorCode(c, consts.StatusRequestEntityTooLarge, codeTooLarge,
			fmt.Sprintf("文件超过 %dMB 上限", h.cfg.Server.MaxUploadMB))
		return
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !parser.SupportedExtensions[ext] {
		writeErrorCode(c, consts.StatusUnsupportedMediaType, codeUnsupported,
			fmt.Sprintf("不支持的文件类型: %q", ext))
		return
	}

	resumeID := strings.TrimSpace(string(c.FormValue("resume_id")))
	if resumeID == "" {
		resumeID = uuid.NewString()
	}
	requestID := uuid.NewString()
	log := h.logger.With().Str("resume_id", resumeID).Str("request_id", requestID).Str("filename", fileHeader.Filename).Logger()

	file, err := fileHeader.Open()
	if err != nil {
		writeErrorCode(c, consts.StatusInternalServerError, codeInternal, "打开文件失败")
		return
	}
	defer file.Close()
	fileBytes, err := io.ReadAll(file)
	if err != nil {
		writeErrorCode(c, consts.StatusInternalServerError, codeInternal, "读取上传文件失败")
		return
	}

	var objectKey string
	if h.deps.Objects != nil {
		objectKey, err = h.deps.Objects.UploadResumeFile(ctx, resumeID, ext, bytes.NewReader(fileBytes), int64(len(fileBytes)))
		if err != nil {
			log.Error().Err(err).Msg("上传原始文件到MinIO失败")
			writeErrorCode(c, consts.StatusInternalServerError, codeInternal, "保存原始文件失败")
			return
		}
	}

	text, meta, err := h.deps.Extractor.Extract(ctx, fileHeader.Filename, bytes.NewReader(fileBytes))
	if err != nil {
		log.Warn().Err(err).Msg("提取简历文本失败")
		writeErrorCode(c, consts.StatusUnprocessableEntity, codeInvalidRequest, "无法从文件中提取文本: "+err.Error())
		return
	}

	if !h.asyncIngest() {
		h.ingestSync(ctx, c, types.ResumeDocument{
			ResumeID:   resumeID,
			Text:       text,
			SourceName: fileHeader.Filename,
			UploadedAt: time.Now(),
		})
		return
	}

	parsedKey, err := h.deps.Objects.UploadParsedText(ctx, resumeID, text)
	if err != nil {
		log.Error().Err(err).Msg("上传解析文本到MinIO失败")
		writeErrorCode(c, consts.StatusInternalServerError, codeInternal, "保存解析文本失败")
		return
	}

	if h.deps.Metadata != nil {
		metaJSON, _ := json.Marshal(meta)
		doc := &models.ResumeDocument{
			ResumeID:      resumeID,
			SourceName:    fileHeader.Filename,
			ObjectKey:     objectKey,
			ParsedTextKey: parsedKey,
			TextLength:    len(text),
			Status:        models.StatusPending,
			Metadata:      datatypes.JSON(metaJSON),
		}
		if err := h.deps.Metadata.UpsertResumeDocument(ctx, doc); err != nil {
			log.Warn().Err(err).Msg("写入简历元数据失败，继续提交入库任务")
		}
	}

	task := storage.IngestTask{
		ResumeID:      resumeID,
		SourceName:    fileHeader.Filename,
		ObjectKey:     objectKey,
		ParsedTextKey: parsedKey,
		SubmittedAt:   time.Now(),
		RequestID:     requestID,
	}
	if err := h.deps.Publisher.PublishJSON(ctx, h.cfg.RabbitMQ.ResumeEventsExchange, h.cfg.RabbitMQ.IngestRoutingKey, task, true); err != nil {
		log.Error().Err(err).Msg("发布入库任务失败")
		writeErrorCode(c, consts.StatusInternalServerError, codeInternal, "提交入库任务失败")
		return
	}

	log.Info().Int("text_length", len(text)).Msg("简历已提交异步入库")
	c.JSON(consts.StatusAccepted, UploadResponse{
		ResumeID:   resumeID,
		Status:     models.StatusPending,
		ObjectKey:  objectKey,
		TextLength: len(text),
		RequestID:  requestID,
	})
}

// CreateResumeRequest 直接提交文本的入库请求
type CreateResumeRequest struct {
	ResumeID   string `json:"resume_id"`
	Text       string `json:"text"`
	SourceName string `json:"source_name"`
}

// HandleCreate 以纯文本同步入库
// POST /api/v1/resumes
func (h *ResumeHandler) HandleCreate(ctx context.Context, c *app.RequestContext) {
	var req CreateResumeRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		writeErrorCode(c, consts.StatusBadRequest, codeInvalidRequest, "请求体不是有效的JSON")
		return
	}
	req.ResumeID = strings.TrimSpace(req.ResumeID)
	if req.ResumeID == "" {
		req.ResumeID = uuid.NewString()
	}
	h.ingestSync(ctx, c, types.ResumeDocument{
		ResumeID:   req.ResumeID,
		Text:       parser.NormalizeText(req.Text),
		SourceName: req.SourceName,
		UploadedAt: time.Now(),
	})
}

func (h *ResumeHandler) ingestSync(ctx context.Context, c *app.RequestContext, doc types.ResumeDocument) {
	result, err := h.deps.Pipeline.Ingest(ctx, doc)
	h.outcomes.Record(ctx, doc.ResumeID, len(doc.Text), result, err)
	if err != nil {
		h.logger.Warn().Err(err).Str("resume_id", doc.ResumeID).Msg("同步入库失败")
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, result)
}

// HandleDelete 删除单份简历，简历不存在时同样返回成功
// DELETE /api/v1/resumes/:resume_id
func (h *ResumeHandler) HandleDelete(ctx context.Context, c *app.RequestContext) {
	resumeID := c.Param("resume_id")
	if err := h.deps.Pipeline.Delete(ctx, resumeID); err != nil {
		writeError(c, err)
		return
	}
	log := h.logger.With().Str("resume_id", resumeID).Logger()

	if h.deps.Objects != nil {
		if err := h.deps.Objects.DeleteResumeObjects(ctx, resumeID); err != nil {
			log.Warn().Err(err).Msg("删除MinIO对象失败")
		}
	}
	if h.deps.Metadata != nil {
		var event *models.OutboxMessage
		if exchange := h.cfg.RabbitMQ.ResumeEventsExchange; exchange != "" {
			var err error
			event, err = storage.NewOutboxMessage(storage.ResumeEvent{
				EventType: storage.EventResumeDeleted,
				ResumeID:  resumeID,
			}, exchange)
			if err != nil {
				log.Error().Err(err).Msg("构造删除事件失败")
			}
		}
		if err := h.deps.Metadata.DeleteResumeDocument(ctx, resumeID, event); err != nil {
			log.Warn().Err(err).Msg("删除简历元数据失败")
		}
	}

	log.Info().Msg("简历已删除")
	c.JSON(consts.StatusOK, utils.H{"resume_id": resumeID, "deleted": true})
}

// HandleDeleteAll 清空全部简历
// DELETE /api/v1/resumes
func (h *ResumeHandler) HandleDeleteAll(ctx context.Context, c *app.RequestContext) {
	if err := h.deps.Pipeline.DeleteAll(ctx); err != nil {
		writeError(c, err)
		return
	}
	var rows int64
	if h.deps.Metadata != nil {
		var err error
		rows, err = h.deps.Metadata.DeleteAllResumeDocuments(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("清空简历元数据失败")
		}
	}
	h.logger.Warn().Int64("metadata_rows", rows).Msg("已清空全部简历")
	c.JSON(consts.StatusOK, utils.H{"deleted": true, "metadata_rows": rows})
}

// HandleGetText 返回由分块重建的简历文本
// GET /api/v1/resumes/:resume_id/text
func (h *ResumeHandler) HandleGetText(ctx context.Context, c *app.RequestContext) {
	resumeID := c.Param("resume_id")
	text, err := h.deps.Pipeline.ResumeText(ctx, resumeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"resume_id": resumeID, "text": text})
}

// HandleGet 返回简历的入库状态
// GET /api/v1/resumes/:resume_id
func (h *ResumeHandler) HandleGet(ctx context.Context, c *app.RequestContext) {
	if h.deps.Metadata == nil {
		writeErrorCode(c, consts.StatusServiceUnavailable, codeUnavailable, "元数据存储未配置")
		return
	}
	doc, err := h.deps.Metadata.GetResumeDocument(ctx, c.Param("resume_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, doc)
}
