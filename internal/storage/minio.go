package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// ObjectStorage 简历原始文件与解析文本的对象存储
type ObjectStorage interface {
	// UploadResumeFile 上传原始简历文件，返回对象键 (不含bucket)
	UploadResumeFile(ctx context.Context, resumeID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	// UploadParsedText 上传解析后的文本，返回对象键
	UploadParsedText(ctx context.Context, resumeID string, text string) (string, error)
	// GetParsedText 读取解析后的文本
	GetParsedText(ctx context.Context, objectKey string) (string, error)
	// DeleteResumeObjects 删除某简历在两个存储桶中的全部对象
	DeleteResumeObjects(ctx context.Context, resumeID string) error
}

var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client         *minio.Client
	originalBucket string
	parsedBucket   string
	logger         zerolog.Logger
}

// ResumeObjectPrefix 某简历所有对象的公共前缀
func ResumeObjectPrefix(resumeID string) string {
	return fmt.Sprintf("resume/%s/", resumeID)
}

// OriginalObjectKey 原始文件对象键，例如 resume/{id}/original.pdf
func OriginalObjectKey(resumeID, fileExt string) string {
	return fmt.Sprintf("resume/%s/original%s", resumeID, strings.ToLower(fileExt))
}

// ParsedTextObjectKey 解析文本对象键
func ParsedTextObjectKey(resumeID string) string {
	return fmt.Sprintf("resume/%s/parsed_text.txt", resumeID)
}

// NewMinIO 创建MinIO客户端并确保两个存储桶存在
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("MinIO endpoint不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client:         client,
		originalBucket: cfg.OriginalsBucket,
		parsedBucket:   cfg.ParsedTextBucket,
		logger:         logger.Component("minio"),
	}
	if m.originalBucket == "" {
		m.originalBucket = "resume-originals"
	}
	if m.parsedBucket == "" {
		m.parsedBucket = "resume-parsed-text"
	}

	for _, bucket := range []string{m.originalBucket, m.parsedBucket} {
		if err := m.ensureBucketExists(ctx, bucket, cfg.Location); err != nil {
			return nil, err
		}
	}

	m.logger.Info().Str("endpoint", cfg.Endpoint).
		Str("originals_bucket", m.originalBucket).
		Str("parsed_bucket", m.parsedBucket).
		Msg("MinIO客户端初始化成功")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	m.logger.Info().Str("bucket", bucketName).Msg("已创建存储桶")
	return nil
}

// UploadResumeFile 上传原始简历文件到originalsBucket
func (m *MinIO) UploadResumeFile(ctx context.Context, resumeID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	objectName := OriginalObjectKey(resumeID, fileExt)
	info, err := m.client.PutObject(ctx, m.originalBucket, objectName, reader, fileSize,
		minio.PutObjectOptions{ContentType: getContentType(fileExt)})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.originalBucket, objectName, err)
	}
	m.logger.Debug().Str("object", objectName).Int64("size", info.Size).Str("etag", info.ETag).Msg("原始简历已上传")
	return objectName, nil
}

// UploadParsedText 上传解析后的文本到parsedTextBucket
func (m *MinIO) UploadParsedText(ctx context.Context, resumeID string, text string) (string, error) {
	objectName := ParsedTextObjectKey(resumeID)
	_, err := m.client.PutObject(ctx, m.parsedBucket, objectName, strings.NewReader(text), int64(len(text)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("上传解析文本 %s 到存储桶 %s 失败: %w", objectName, m.parsedBucket, err)
	}
	return objectName, nil
}

// GetParsedText 从MinIO获取解析后的文本
func (m *MinIO) GetParsedText(ctx context.Context, objectKey string) (string, error) {
	obj, err := m.client.GetObject(ctx, m.parsedBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("获取对象 %s/%s 失败: %w", m.parsedBucket, objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("读取对象 %s/%s 失败: %w", m.parsedBucket, objectKey, err)
	}
	return string(data), nil
}

// DeleteResumeObjects 按前缀删除某简历的原始文件与解析文本，对象不存在时为空操作
func (m *MinIO) DeleteResumeObjects(ctx context.Context, resumeID string) error {
	prefix := ResumeObjectPrefix(resumeID)
	for _, bucket := range []string{m.originalBucket, m.parsedBucket} {
		objects := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
		for obj := range objects {
			if obj.Err != nil {
				return fmt.Errorf("列出对象 %s/%s 失败: %w", bucket, prefix, obj.Err)
			}
			if err := m.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("删除对象 %s/%s 失败: %w", bucket, obj.Key, err)
			}
		}
	}
	return nil
}

func getContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
