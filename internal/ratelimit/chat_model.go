package ratelimit

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RateLimitedChatModel 在每次调用前等待令牌的对话模型代理
type RateLimitedChatModel struct {
	original model.BaseChatModel
	limiter  *TokenBucket
}

var _ model.BaseChatModel = (*RateLimitedChatModel)(nil)

// NewRateLimitedChatModel qpm<=0 时不限流，直接返回原模型
func NewRateLimitedChatModel(original model.BaseChatModel, qpm int) model.BaseChatModel {
	if qpm <= 0 {
		return original
	}
	return &RateLimitedChatModel{
		original: original,
		limiter:  NewTokenBucket(qpm, qpm/2),
	}
}

func (rl *RateLimitedChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := rl.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return rl.original.Generate(ctx, messages, opts...)
}

func (rl *RateLimitedChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := rl.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return rl.original.Stream(ctx, messages, opts...)
}
