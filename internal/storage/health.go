package storage

import (
	"context"
	"fmt"
)

// HealthCheck 检查一个后端是否可用，返回简短的状态描述
type HealthCheck func(ctx context.Context) (string, error)

// HealthChecks 返回已配置后端的健康检查函数，内存向量库不需要检查
func (s *Storage) HealthChecks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	if q, ok := s.Vectors.(*Qdrant); ok {
		checks["qdrant"] = func(ctx context.Context) (string, error) {
			n, err := q.CountPoints(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d points", n), nil
		}
	}
	if s.Redis != nil {
		checks["redis"] = func(ctx context.Context) (string, error) {
			if err := s.Redis.Ping(ctx); err != nil {
				return "", err
			}
			return "ok", nil
		}
	}
	if s.MySQL != nil {
		checks["mysql"] = func(ctx context.Context) (string, error) {
			if err := s.MySQL.Ping(ctx); err != nil {
				return "", err
			}
			return "ok", nil
		}
	}
	return checks
}
