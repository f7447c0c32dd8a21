package worker

import (
	"context"
	"errors"
	"time"

	"resume-ranker/internal/logger"
	"resume-ranker/internal/pipeline"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"
	"resume-ranker/internal/types"

	"github.com/rs/zerolog"
)

const statusWriteTimeout = 10 * time.Second

// OutcomeStatus 将一次入库的结果映射为元数据状态与事件类型
func OutcomeStatus(textLength int, result *pipeline.IngestResult, err error) (storage.ResumeStatusUpdate, string) {
	update := storage.ResumeStatusUpdate{TextLength: textLength}
	switch {
	case err == nil && result != nil:
		update.ChunkCount = result.ChunkCount
		update.EmbeddingModel = result.EmbeddingModel
		update.IndexReady = result.IndexReady
		update.Status = models.StatusIngested
		if !result.IndexReady {
			update.Status = models.StatusStaleIndex
			update.LastError = result.WarningMessage
		}
		return update, storage.EventResumeIngested
	case errors.Is(err, types.ErrEmptyDocument):
		update.Status = models.StatusEmpty
	default:
		update.Status = models.StatusFailed
	}
	if err != nil {
		update.LastError = err.Error()
	}
	return update, storage.EventResumeFailed
}

// OutcomeRecorder 写回入库状态，并在同一事务中写入对应的发件箱事件
// nil 接收者或未配置元数据库时 Record 不做任何事
type OutcomeRecorder struct {
	statuses StatusRecorder
	exchange string
	logger   zerolog.Logger
}

// NewOutcomeRecorder exchange 为空时只写状态不写事件
func NewOutcomeRecorder(statuses StatusRecorder, exchange string) *OutcomeRecorder {
	return &OutcomeRecorder{
		statuses: statuses,
		exchange: exchange,
		logger:   logger.Component("ingest_outcome"),
	}
}

// Record 失败只记录日志，不影响入库结果
func (r *OutcomeRecorder) Record(ctx context.Context, resumeID string, textLength int, result *pipeline.IngestResult, err error) {
	if r == nil || r.statuses == nil {
		return
	}
	update, eventType := OutcomeStatus(textLength, result, err)
	log := r.logger.With().Str("resume_id", resumeID).Str("status", update.Status).Logger()

	var event *models.OutboxMessage
	if r.exchange != "" {
		var buildErr error
		event, buildErr = storage.NewOutboxMessage(storage.ResumeEvent{
			EventType:      eventType,
			ResumeID:       resumeID,
			Status:         update.Status,
			ChunkCount:     update.ChunkCount,
			IndexReady:     update.IndexReady,
			EmbeddingModel: update.EmbeddingModel,
			Error:          update.LastError,
		}, r.exchange)
		if buildErr != nil {
			log.Error().Err(buildErr).Msg("构造发件箱事件失败")
		}
	}

	// ctx 可能已超时，状态写回使用独立的上下文
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := r.statuses.MarkResumeStatus(writeCtx, resumeID, update, event); err != nil {
		log.Error().Err(err).Msg("写回简历状态失败")
	}
}
