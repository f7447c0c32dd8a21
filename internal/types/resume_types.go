package types

import "time"

// RecordKind 向量记录类型
type RecordKind string

const (
	// KindChunk 简历文本分块
	KindChunk RecordKind = "chunk"
	// KindMarker 索引就绪标记，不参与语义检索
	KindMarker RecordKind = "marker"
)

// ResumeDocument 一份上传的简历
type ResumeDocument struct {
	ResumeID   string    `json:"resume_id"`
	Text       string    `json:"text"`
	SourceName string    `json:"source_name,omitempty"` // 原始文件名
	UploadedAt time.Time `json:"uploaded_at"`
}

// Chunk 简历分块
type Chunk struct {
	ResumeID   string    `json:"resume_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
}

// VectorRecord 向量库中持久化的一条记录
type VectorRecord struct {
	ResumeID   string     `json:"resume_id"`
	ChunkIndex int        `json:"chunk_index"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"embedding"`
	Kind       RecordKind `json:"kind"`
	BatchToken string     `json:"batch_token,omitempty"`
	Model      string     `json:"model,omitempty"` // 生成该向量的embedding模型
}

// SimilarityHit 最近邻检索的单条命中
type SimilarityHit struct {
	ResumeID   string  `json:"resume_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"` // 余弦相似度 [-1, 1]
}

// RankedResume 按简历聚合后的排序结果
type RankedResume struct {
	ResumeID          string  `json:"resume_id"`
	BestScore         float32 `json:"best_score"`
	MatchedChunkText  string  `json:"matched_chunk_text"`
	MatchedChunkIndex int     `json:"matched_chunk_index"`
}

// RankRequest 排序请求
type RankRequest struct {
	JobDescription string `json:"job_description"`
	TopNChunks     int    `json:"top_n_chunks"`
	TopKResumes    int    `json:"top_k_resumes"`
}

// Criterion 单项评估标准
type Criterion struct {
	Skill         string  `json:"skill"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
}

// EvaluationResult LLM对单份简历的结构化评估
type EvaluationResult struct {
	ResumeID     string      `json:"resume_id"`
	Criteria     []Criterion `json:"criteria"`
	Summary      string      `json:"summary"`
	OverallScore *float64    `json:"overall_score,omitempty"`
}

// EvaluatedResume 排序结果与评估结果的组合，评估失败时 Error 非空
type EvaluatedResume struct {
	RankedResume
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Error      string            `json:"evaluation_error,omitempty"`
}
