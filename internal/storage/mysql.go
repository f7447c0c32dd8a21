package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/storage/models"
	"resume-ranker/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("resume-ranker/storage/mysql")

type gormSpanKey struct{}

// GormTracingPlugin 是一个GORM插件，为每次数据库操作创建OpenTelemetry span
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{tracer: mysqlTracer, dbName: dbName}
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after); err != nil {
		return err
	}
	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	return cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after)
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			))
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

func (p *GormTracingPlugin) after(db *gorm.DB) {
	span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	if sql := db.Statement.SQL.String(); sql != "" {
		span.SetAttributes(attribute.String("db.statement", sql))
	}

	switch {
	case db.Error == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(db.Error, gorm.ErrRecordNotFound):
		// 记录不存在属于正常业务分支
		span.SetAttributes(attribute.String("error.type", "record_not_found"))
		span.SetStatus(codes.Ok, "record not found")
	default:
		span.SetAttributes(attribute.String("error.type", "database_error"))
		span.RecordError(db.Error)
		span.SetStatus(codes.Error, db.Error.Error())
	}
}

// ResumeStatusUpdate 一次入库结束后写回的状态
type ResumeStatusUpdate struct {
	Status         string
	TextLength     int
	ChunkCount     int
	EmbeddingModel string
	IndexReady     bool
	LastError      string
}

// MySQL 保存简历元数据与发件箱消息
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	timeout := cfg.ConnectTimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, timeout, timeout*3, timeout*3)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg}
	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log := logger.Component("mysql")
	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

func gormLogLevel(level int) gormlogger.LogLevel {
	switch level {
	case 1:
		return gormlogger.Silent
	case 2:
		return gormlogger.Error
	case 3:
		return gormlogger.Warn
	case 4:
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// autoMigrateSchema 迁移时关闭SQL日志
func (m *MySQL) autoMigrateSchema() error {
	silentDB := m.db.Session(&gorm.Session{Logger: gormlogger.Discard})
	if err := silentDB.AutoMigrate(&models.ResumeDocument{}, &models.OutboxMessage{}); err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Ping 检查数据库连接
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层数据库连接失败: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertResumeDocument 新建或覆盖简历元数据，created_at 保持首次写入时间
func (m *MySQL) UpsertResumeDocument(ctx context.Context, doc *models.ResumeDocument) error {
	if doc == nil || doc.ResumeID == "" {
		return types.NewInvalidRequestError("resume_id 不能为空")
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "resume_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_name", "object_key", "parsed_text_key", "text_length", "chunk_count",
			"embedding_model", "status", "index_ready", "last_error", "metadata", "updated_at",
		}),
	}).Create(doc).Error
	if err != nil {
		return fmt.Errorf("写入简历元数据失败: %w", err)
	}
	return nil
}

// MarkResumeStatus 在同一事务中更新入库状态并写入发件箱事件，event 为空时只更新状态
func (m *MySQL) MarkResumeStatus(ctx context.Context, resumeID string, update ResumeStatusUpdate, event *models.OutboxMessage) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "resume_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":          update.Status,
				"text_length":     update.TextLength,
				"chunk_count":     update.ChunkCount,
				"embedding_model": update.EmbeddingModel,
				"index_ready":     update.IndexReady,
				"last_error":      update.LastError,
				"updated_at":      time.Now().Local(),
			}),
		}).Create(&models.ResumeDocument{
			ResumeID:       resumeID,
			Status:         update.Status,
			TextLength:     update.TextLength,
			ChunkCount:     update.ChunkCount,
			EmbeddingModel: update.EmbeddingModel,
			IndexReady:     update.IndexReady,
			LastError:      update.LastError,
		}).Error
		if err != nil {
			return fmt.Errorf("更新简历状态失败: %w", err)
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return fmt.Errorf("写入发件箱事件失败: %w", err)
			}
		}
		return nil
	})
}

// DeleteResumeDocument 删除简历元数据并写入删除事件，记录不存在时仍写入事件
func (m *MySQL) DeleteResumeDocument(ctx context.Context, resumeID string, event *models.OutboxMessage) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("resume_id = ?", resumeID).Delete(&models.ResumeDocument{}).Error; err != nil {
			return fmt.Errorf("删除简历元数据失败: %w", err)
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return fmt.Errorf("写入发件箱事件失败: %w", err)
			}
		}
		return nil
	})
}

// DeleteAllResumeDocuments 清空简历元数据，返回删除的行数
func (m *MySQL) DeleteAllResumeDocuments(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ResumeDocument{})
	if res.Error != nil {
		return 0, fmt.Errorf("清空简历元数据失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetResumeDocument 查询单份简历元数据，不存在时返回 types.ErrNotFound
func (m *MySQL) GetResumeDocument(ctx context.Context, resumeID string) (*models.ResumeDocument, error) {
	var doc models.ResumeDocument
	err := m.db.WithContext(ctx).Where("resume_id = ?", resumeID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("简历 %s: %w", resumeID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询简历元数据失败: %w", err)
	}
	return &doc, nil
}

// ListResumeDocuments 按更新时间倒序分页列出简历，status 为空时不过滤
func (m *MySQL) ListResumeDocuments(ctx context.Context, status string, limit, offset int) ([]models.ResumeDocument, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := m.db.WithContext(ctx).Model(&models.ResumeDocument{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计简历数量失败: %w", err)
	}

	var docs []models.ResumeDocument
	if err := query.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&docs).Error; err != nil {
		return nil, 0, fmt.Errorf("列出简历失败: %w", err)
	}
	return docs, total, nil
}
