// Package evaluator 使用对话模型对简历与岗位描述做结构化匹配评估
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/ratelimit"
	"resume-ranker/internal/tracing"
	"resume-ranker/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConcurrency = 4
	defaultEvalTimeout = 60 * time.Second
	// 首次调用加一次纠正重试
	maxAttempts = 2
)

const systemPrompt = "你是一位资深的技术招聘专家，擅长评估软件工程人才。你只输出符合约定结构的纯JSON对象，不输出Markdown、代码块标记或任何额外文本。"

const defaultPromptTemplate = `请对照下面的【岗位描述】评估【候选人简历】，并返回结构化的匹配分析。

【岗位描述】:
"""
%s
"""

【候选人简历】:
"""
%s
"""

要求：
1. 找出岗位描述与简历之间最相关的 2-3 项匹配标准 (例如 "Python"、"系统设计")。
2. 对每一项标准：
   - "skill": 标准名称
   - "score": 0 到 10 的数字评分
   - "justification": 1-2 句评分理由
3. "overall_score": 0 到 10 的整体匹配分 (可选)。
4. "summary": 用 2-3 句话总结候选人与岗位的契合程度 (必填，不能为空)。

只返回如下结构的JSON对象：
{
  "criteria": [
    {"skill": "标准名称", "score": 0, "justification": "评分理由"}
  ],
  "overall_score": 0,
  "summary": "匹配总结"
}`

const correctionTemplate = `上一条回复不符合约定的JSON结构：%s。
请重新输出完整的JSON对象：criteria 为 1 到 5 项，每项包含 skill (字符串)、score (0 到 10 的数字)、justification (字符串)；summary 为非空字符串；overall_score 可选，若提供必须是 0 到 10 的数字。不要输出任何JSON以外的内容。`

// Candidate 待评估的一份简历
type Candidate struct {
	ResumeID string
	Text     string
}

// Outcome 单份简历的评估结果，Err 非空时 Result 为 nil
type Outcome struct {
	ResumeID string
	Result   *types.EvaluationResult
	Err      error
}

// Engine 评估引擎
type Engine struct {
	model          model.BaseChatModel
	promptTemplate string
	concurrency    int
	evalTimeout    time.Duration
	logger         zerolog.Logger
	tracer         trace.Tracer
}

// Option 评估引擎选项
type Option func(*Engine)

// WithPromptTemplate 设置自定义用户提示模板，模板包含两个 %s：岗位描述与简历文本
func WithPromptTemplate(tpl string) Option {
	return func(e *Engine) {
		if strings.Count(tpl, "%s") == 2 {
			e.promptTemplate = tpl
		}
	}
}

// New 创建评估引擎，cfg.QPM > 0 时所有模型调用都经过令牌桶限流
func New(chatModel model.BaseChatModel, cfg config.EvaluatorConfig, opts ...Option) (*Engine, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("对话模型不能为空")
	}
	e := &Engine{
		model:          ratelimit.NewRateLimitedChatModel(chatModel, cfg.QPM),
		promptTemplate: defaultPromptTemplate,
		concurrency:    cfg.Concurrency,
		evalTimeout:    config.GetDuration(cfg.EvalTimeout, defaultEvalTimeout),
		logger:         logger.Component("evaluator"),
		tracer:         otel.Tracer("resume-ranker/evaluator"),
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if cfg.PromptTemplate != "" {
		WithPromptTemplate(cfg.PromptTemplate)(e)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate 评估一份简历文本与岗位描述的匹配程度
func (e *Engine) Evaluate(ctx context.Context, resumeText, jobDescription string) (*types.EvaluationResult, error) {
	return e.EvaluateResume(ctx, "", resumeText, jobDescription)
}

// EvaluateResume 与 Evaluate 相同，结果与错误中带上简历ID
func (e *Engine) EvaluateResume(ctx context.Context, resumeID, resumeText, jobDescription string) (*types.EvaluationResult, error) {
	ctx, span := e.tracer.Start(ctx, "Evaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("resume.id", resumeID),
			attribute.Int("resume.text_length", len(resumeText)),
			attribute.String("resume.preview", tracing.SafeResumeContent(resumeText)),
			attribute.String("job.description", tracing.SafeQuery(jobDescription)),
		))
	defer span.End()

	if strings.TrimSpace(resumeText) == "" || strings.TrimSpace(jobDescription) == "" {
		err := types.NewInvalidRequestError("简历文本与岗位描述都不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf(e.promptTemplate, jobDescription, resumeText)),
	}
	log := logger.Ctx(ctx).With().Str("component", "evaluator").Str("resume_id", resumeID).Logger()

	var lastViolation error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reply, err := e.generate(ctx, messages)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeLLM)
			return nil, fmt.Errorf("评估简历 %s 时调用模型失败: %w", resumeID, err)
		}

		result, violation := ParseEvaluation(reply)
		if violation == nil {
			result.ResumeID = resumeID
			span.SetAttributes(attribute.Int("evaluator.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			log.Debug().Int("attempt", attempt).Int("criteria", len(result.Criteria)).Msg("评估完成")
			return result, nil
		}

		lastViolation = violation
		log.Warn().Err(violation).Int("attempt", attempt).
			Str("reply", tracing.TruncateString(reply, 300)).
			Msg("评估结果格式不符合约定")
		messages = append(messages,
			schema.AssistantMessage(reply, nil),
			schema.UserMessage(fmt.Sprintf(correctionTemplate, violation.Error())),
		)
	}

	err := types.NewEvaluationFormatError(resumeID, lastViolation.Error())
	span.SetAttributes(attribute.Int("evaluator.attempts", maxAttempts))
	tracing.RecordError(span, err, tracing.ErrorTypeLLM)
	return nil, err
}

// generate 单次模型调用，带独立超时
func (e *Engine) generate(ctx context.Context, messages []*schema.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	resp, err := e.model.Generate(callCtx, messages)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

// EvaluateAll 以有界并发评估多份简历，结果顺序与 candidates 一致
func (e *Engine) EvaluateAll(ctx context.Context, jobDescription string, candidates []Candidate) []Outcome {
	outcomes := make([]Outcome, len(candidates))
	if len(candidates) == 0 {
		return outcomes
	}

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, cand := range candidates {
		outcomes[i].ResumeID = cand.ResumeID

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[i].Err = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, cand Candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i].Result, outcomes[i].Err = e.EvaluateResume(ctx, cand.ResumeID, cand.Text, jobDescription)
		}(i, cand)
	}
	wg.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	e.logger.Info().Int("total", len(candidates)).Int("failed", failed).Msg("批量评估结束")
	return outcomes
}
