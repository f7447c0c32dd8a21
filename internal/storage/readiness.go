package storage

import (
	"context"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
)

// ReadinessPolicy 索引就绪轮询的退避策略
type ReadinessPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Exponential bool
}

// DefaultReadinessPolicy 固定1秒间隔
func DefaultReadinessPolicy() ReadinessPolicy {
	return ReadinessPolicy{Interval: time.Second, MaxInterval: 8 * time.Second}
}

// ReadinessPolicyFromConfig 从配置构造轮询策略
func ReadinessPolicyFromConfig(cfg config.ReadinessConfig) ReadinessPolicy {
	p := DefaultReadinessPolicy()
	p.Interval = config.GetDuration(cfg.Interval, p.Interval)
	p.MaxInterval = config.GetDuration(cfg.MaxInterval, p.MaxInterval)
	p.Exponential = cfg.Backoff == "exponential"
	return p
}

func (p ReadinessPolicy) next(cur time.Duration) time.Duration {
	if !p.Exponential {
		return cur
	}
	n := cur * 2
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// pollUntilReady 在截止时间之前反复调用 probe
// probe 返回 true 时立即返回 true；到达截止时间返回 false；ctx 取消时返回 ctx.Err()
// probe 的错误视为暂时性错误，记录后继续轮询
func pollUntilReady(ctx context.Context, timeout time.Duration, policy ReadinessPolicy, probe func(ctx context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	interval := policy.Interval
	if interval <= 0 {
		interval = time.Second
	}

	for attempt := 1; ; attempt++ {
		ok, err := probe(ctx)
		if ok {
			return true, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			logger.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Msg("检查索引就绪标记失败，继续轮询")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		interval = policy.next(interval)
	}
}
