// Package parser 从上传的简历文件中提取纯文本
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"resume-ranker/internal/logger"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

const defaultExtractTimeout = 30 * time.Second

// TextExtractor 从文件内容中提取文本
type TextExtractor interface {
	Extract(ctx context.Context, filename string, reader io.Reader) (string, map[string]any, error)
}

// SupportedExtensions 可上传的简历文件类型
var SupportedExtensions = map[string]bool{
	".pdf": true,
	".txt": true,
	".md":  true,
}

// Extractor 使用 Eino PDF Parser 处理 PDF，纯文本文件直接读取
type Extractor struct {
	pdfParser *pdf.PDFParser
	timeout   time.Duration
	logger    zerolog.Logger
}

// Option 提取器选项
type Option func(*Extractor)

// WithTimeout 单个文件的解析超时
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExtractor 初始化提取器
// PDF 不按页面分割，整份文档作为一段连续文本
func NewExtractor(ctx context.Context, opts ...Option) (*Extractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	if err != nil {
		return nil, fmt.Errorf("创建 Eino PDF 解析器失败: %w", err)
	}
	e := &Extractor{
		pdfParser: p,
		timeout:   defaultExtractTimeout,
		logger:    logger.Component("parser"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract 根据文件扩展名选择解析方式，返回规整后的文本与元数据
func (e *Extractor) Extract(ctx context.Context, filename string, reader io.Reader) (string, map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !SupportedExtensions[ext] {
		return "", nil, fmt.Errorf("不支持的文件类型: %q", ext)
	}

	start := time.Now()
	var (
		text string
		meta map[string]any
		err  error
	)
	if ext == ".pdf" {
		text, meta, err = e.extractPDF(ctx, filename, reader)
	} else {
		text, meta, err = extractPlain(reader)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("file", filename).Dur("elapsed", time.Since(start)).Msg("文本提取失败")
		return "", nil, err
	}

	text = NormalizeText(text)
	meta["source_file"] = filename
	meta["text_length"] = utf8.RuneCountInString(text)
	meta["processing_duration_ms"] = time.Since(start).Milliseconds()

	e.logger.Debug().Str("file", filename).Int("chars", len(text)).Dur("elapsed", time.Since(start)).Msg("文本提取完成")
	return text, meta, nil
}

func (e *Extractor) extractPDF(ctx context.Context, uri string, reader io.Reader) (string, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	extraMeta := map[string]any{"extraction_time": time.Now().Format(time.RFC3339)}
	docs, err := e.pdfParser.Parse(ctx, reader,
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(extraMeta),
	)
	if err != nil {
		return "", nil, fmt.Errorf("解析PDF %s 失败: %w", uri, err)
	}
	if len(docs) == 0 {
		return "", nil, fmt.Errorf("解析PDF %s 没有返回任何文档", uri)
	}

	var sb strings.Builder
	for i, doc := range docs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(doc.Content)
	}

	meta := make(map[string]any)
	for k, v := range docs[0].MetaData {
		meta[k] = v
	}
	meta["document_count"] = len(docs)
	return sb.String(), meta, nil
}

func extractPlain(reader io.Reader) (string, map[string]any, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", nil, fmt.Errorf("读取文本文件失败: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	return string(data), map[string]any{}, nil
}

// NormalizeText 统一换行符，去掉非法UTF-8与行尾空白，并压缩连续空行
func NormalizeText(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
