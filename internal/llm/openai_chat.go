// Package llm 提供基于 OpenAI 兼容接口的 eino 对话模型实现
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/tracing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultChatURL   = "https://api.openai.com/v1/chat/completions"
	defaultChatModel = "gpt-4o-mini"
)

var llmTracer = otel.Tracer("resume-ranker/llm")

// ChatModel 通过 OpenAI 兼容的 /chat/completions 接口实现 model.BaseChatModel
type ChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float32
	maxTokens   int
	jsonMode    bool
	httpClient  *http.Client
	logger      zerolog.Logger
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// Option 对话模型构造选项
type Option func(*ChatModel)

// WithJSONMode 请求模型只输出 JSON 对象 (response_format=json_object)
func WithJSONMode(enabled bool) Option {
	return func(c *ChatModel) { c.jsonMode = enabled }
}

// WithHTTPClient 替换默认HTTP客户端
func WithHTTPClient(client *http.Client) Option {
	return func(c *ChatModel) { c.httpClient = client }
}

// NewChatModel 根据配置创建对话模型
func NewChatModel(cfg config.LLMConfig, opts ...Option) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("LLM API 密钥不能为空")
	}

	c := &ChatModel{
		apiKey:      cfg.APIKey,
		modelName:   cfg.Model,
		apiURL:      cfg.BaseURL,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: config.GetDuration(cfg.Timeout, 120*time.Second)},
		logger:      logger.Component("llm"),
	}
	if strings.TrimSpace(c.modelName) == "" {
		c.modelName = defaultChatModel
	}
	if strings.TrimSpace(c.apiURL) == "" {
		c.apiURL = defaultChatURL
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info().Str("api_url", c.apiURL).Str("model", c.modelName).Msg("LLM 客户端已创建")
	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    *float32          `json:"temperature,omitempty"`
	TopP           *float32          `json:"top_p,omitempty"`
	MaxTokens      *int              `json:"max_tokens,omitempty"`
	Stop           []string          `json:"stop,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *ChatModel) buildRequest(messages []*schema.Message, opts ...model.Option) chatCompletionRequest {
	temperature := c.temperature
	modelName := c.modelName
	base := &model.Options{Temperature: &temperature, Model: &modelName}
	if c.maxTokens > 0 {
		maxTokens := c.maxTokens
		base.MaxTokens = &maxTokens
	}
	options := model.GetCommonOptions(base, opts...)

	req := chatCompletionRequest{
		Temperature: options.Temperature,
		TopP:        options.TopP,
		MaxTokens:   options.MaxTokens,
		Stop:        options.Stop,
		Messages:    make([]chatMessage, 0, len(messages)),
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	} else {
		req.Model = c.modelName
	}
	if c.jsonMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	for _, m := range messages {
		if m == nil {
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

// Generate 实现 model.BaseChatModel 接口
func (c *ChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	ctx, span := llmTracer.Start(ctx, "LLM.Generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	reqPayload := c.buildRequest(messages, opts...)
	span.SetAttributes(
		attribute.String("llm.model", reqPayload.Model),
		attribute.Int("llm.messages", len(reqPayload.Messages)),
	)

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	var resp chatCompletionResponse
	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API 请求失败，状态 %s: %s", httpResp.Status, tracing.TruncateString(string(bodyBytes), 500))
		if json.Unmarshal(bodyBytes, &resp) == nil && resp.Error != nil && resp.Error.Message != "" {
			err = fmt.Errorf("API 请求失败，状态 %s: %s", httpResp.Status, resp.Error.Message)
		}
		tracing.RecordHTTPError(span, err, httpResp.StatusCode)
		return nil, err
	}

	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("从 API 收到空选项")
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	choice := resp.Choices[0]
	content := ""
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}

	span.SetAttributes(
		attribute.Int("llm.usage.total_tokens", resp.Usage.TotalTokens),
		attribute.String("llm.finish_reason", choice.FinishReason),
	)
	span.SetStatus(codes.Ok, "")
	logger.Ctx(ctx).Debug().
		Str("model", reqPayload.Model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("LLM 调用完成")

	return schema.AssistantMessage(content, nil), nil
}

// Stream 以单个分片返回完整回复
func (c *ChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := c.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
