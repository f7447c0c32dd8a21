package models

import (
	"time"

	"gorm.io/datatypes"
)

// 简历入库状态
const (
	StatusPending    = "PENDING"     // 已上传，等待异步入库
	StatusIngested   = "INGESTED"    // 入库完成且索引就绪
	StatusStaleIndex = "STALE_INDEX" // 入库完成但等待索引就绪超时
	StatusEmpty      = "EMPTY"       // 文本为空，未产生分块
	StatusFailed     = "FAILED"      // 入库失败
)

// ResumeDocument 简历元数据表，向量库之外的入库状态记录
type ResumeDocument struct {
	ResumeID       string         `gorm:"type:varchar(128);primaryKey" json:"resume_id"`
	SourceName     string         `gorm:"type:varchar(255)" json:"source_name"`
	ObjectKey      string         `gorm:"type:varchar(512)" json:"object_key,omitempty"`       // MinIO中原始文件路径
	ParsedTextKey  string         `gorm:"type:varchar(512)" json:"parsed_text_key,omitempty"` // MinIO中解析文本路径
	TextLength     int            `json:"text_length"`
	ChunkCount     int            `json:"chunk_count"`
	EmbeddingModel string         `gorm:"type:varchar(100)" json:"embedding_model"`
	Status         string         `gorm:"type:varchar(20);default:'PENDING';not null;index:idx_resume_documents_status" json:"status"`
	IndexReady     bool           `json:"index_ready"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	Metadata       datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime" json:"updated_at"`
}

func (ResumeDocument) TableName() string {
	return "resume_documents"
}
