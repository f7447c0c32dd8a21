package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"resume-ranker/internal/storage/models"

	"gorm.io/datatypes"
)

// 简历领域事件类型，同时用作路由键
const (
	EventResumeIngested = "resume.ingested"
	EventResumeFailed   = "resume.failed"
	EventResumeDeleted  = "resume.deleted"
)

// IngestTask 异步入库任务消息
type IngestTask struct {
	ResumeID      string    `json:"resume_id"`
	SourceName    string    `json:"source_name,omitempty"`
	ObjectKey     string    `json:"object_key,omitempty"` // 原始文件在MinIO中的路径
	ParsedTextKey string    `json:"parsed_text_key"`      // 解析文本在MinIO中的路径
	SubmittedAt   time.Time `json:"submitted_at"`
	RequestID     string    `json:"request_id,omitempty"` // 上传请求ID，便于日志关联
}

// ResumeEvent 通过发件箱投递的简历状态事件
type ResumeEvent struct {
	EventType      string    `json:"event_type"`
	ResumeID       string    `json:"resume_id"`
	Status         string    `json:"status,omitempty"`
	ChunkCount     int       `json:"chunk_count,omitempty"`
	IndexReady     bool      `json:"index_ready"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewOutboxMessage 将事件序列化为待投递的发件箱消息，路由键即事件类型
func NewOutboxMessage(evt ResumeEvent, exchange string) (*models.OutboxMessage, error) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return &models.OutboxMessage{
		AggregateID:      evt.ResumeID,
		EventType:        evt.EventType,
		Payload:          datatypes.JSON(payload),
		TargetExchange:   exchange,
		TargetRoutingKey: evt.EventType,
		Status:           models.OutboxStatusPending,
	}, nil
}
