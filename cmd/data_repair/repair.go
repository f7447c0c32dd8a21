package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	modePublish = "publish"
	modeDirect  = "direct"
)

// DocumentLister 按状态分页列出简历元数据，storage.MySQL 实现了该接口
type DocumentLister interface {
	ListResumeDocuments(ctx context.Context, status string, limit, offset int) ([]models.ResumeDocument, int64, error)
}

// Repairer 为指定状态的简历重新生成入库任务
// Publisher 非空时投递到队列，否则交给 Handler 在本进程内处理
type Repairer struct {
	Lister      DocumentLister
	Publisher   storage.MessagePublisher
	Handler     storage.MessageHandler
	Exchange    string
	RoutingKey  string
	BatchSize   int
	Concurrency int
	DryRun      bool
	BatchPause  time.Duration
	Logger      zerolog.Logger
}

// Summary 一次修复的统计
type Summary struct {
	Found    int
	Repaired int
	Skipped  int
	Failed   int
}

// Run 先收集全部待修复简历再处理，避免修复后状态变化影响分页
func (r *Repairer) Run(ctx context.Context, statuses []string) (Summary, error) {
	var summary Summary
	if r.Publisher == nil && r.Handler == nil {
		return summary, fmt.Errorf("未配置投递方式")
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 20
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}

	var docs []models.ResumeDocument
	for _, status := range statuses {
		status = strings.TrimSpace(status)
		if status == "" {
			continue
		}
		found, err := r.collect(ctx, status)
		if err != nil {
			return summary, err
		}
		docs = append(docs, found...)
	}
	summary.Found = len(docs)
	r.Logger.Info().Int("count", len(docs)).Strs("statuses", statuses).Msg("找到需要修复的简历")

	var repaired, skipped, failed int64
	for i := 0; i < len(docs); i += r.BatchSize {
		end := i + r.BatchSize
		if end > len(docs) {
			end = len(docs)
		}

		semaphore := make(chan struct{}, r.Concurrency)
		var wg sync.WaitGroup
		for _, doc := range docs[i:end] {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			semaphore <- struct{}{}
			go func(doc models.ResumeDocument) {
				defer func() {
					<-semaphore
					wg.Done()
				}()
				switch r.repairOne(ctx, doc) {
				case outcomeRepaired:
					atomic.AddInt64(&repaired, 1)
				case outcomeSkipped:
					atomic.AddInt64(&skipped, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
			}(doc)
		}
		wg.Wait()
		r.Logger.Info().Int("from", i).Int("to", end-1).Msg("批次处理完成")

		if r.BatchPause > 0 && end < len(docs) {
			select {
			case <-ctx.Done():
			case <-time.After(r.BatchPause):
			}
		}
	}

	summary.Repaired = int(repaired)
	summary.Skipped = int(skipped)
	summary.Failed = int(failed)
	return summary, ctx.Err()
}

func (r *Repairer) collect(ctx context.Context, status string) ([]models.ResumeDocument, error) {
	var all []models.ResumeDocument
	for offset := 0; ; {
		page, total, err := r.Lister.ListResumeDocuments(ctx, status, r.BatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("列出状态为 %s 的简历失败: %w", status, err)
		}
		all = append(all, page...)
		offset += len(page)
		if len(page) == 0 || int64(offset) >= total {
			return all, nil
		}
	}
}

type repairOutcome int

const (
	outcomeRepaired repairOutcome = iota
	outcomeSkipped
	outcomeFailed
)

func (r *Repairer) repairOne(ctx context.Context, doc models.ResumeDocument) repairOutcome {
	log := r.Logger.With().Str("resume_id", doc.ResumeID).Str("status", doc.Status).Logger()
	if doc.ParsedTextKey == "" {
		log.Warn().Msg("缺少解析文本路径，无法重新入库")
		return outcomeSkipped
	}
	if r.DryRun {
		log.Info().Msg("[dry-run] 需要修复")
		return outcomeSkipped
	}

	task := storage.IngestTask{
		ResumeID:      doc.ResumeID,
		SourceName:    doc.SourceName,
		ObjectKey:     doc.ObjectKey,
		ParsedTextKey: doc.ParsedTextKey,
		SubmittedAt:   time.Now(),
		RequestID:     "repair-" + uuid.NewString(),
	}

	if r.Publisher != nil {
		if err := r.Publisher.PublishJSON(ctx, r.Exchange, r.RoutingKey, task, true); err != nil {
			log.Error().Err(err).Msg("重新投递入库任务失败")
			return outcomeFailed
		}
		log.Info().Msg("已重新投递入库任务")
		return outcomeRepaired
	}

	body, err := json.Marshal(task)
	if err != nil {
		log.Error().Err(err).Msg("序列化入库任务失败")
		return outcomeFailed
	}
	if !r.Handler(ctx, body) {
		log.Warn().Msg("入库暂时失败，稍后重试")
		return outcomeFailed
	}
	log.Info().Msg("已重新入库")
	return outcomeRepaired
}
