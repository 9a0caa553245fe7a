// Package retry 提供统一的重试原语，供对象存储客户端、数据库适配器与锁管理器共用。
// 指数退避 + 全抖动；永久错误永不重试。
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Classifier 判定错误是否可重试
type Classifier func(err error) bool

// Policy 重试策略
type Policy struct {
	// MaxAttempts 最大尝试次数 (含首次)
	MaxAttempts int
	// BaseDelay 初始退避
	BaseDelay time.Duration
	// MaxDelay 退避上限
	MaxDelay time.Duration
	// Jitter 是否启用全抖动
	Jitter bool
	// Retryable 错误分类器，nil 时所有错误可重试
	Retryable Classifier
}

// DefaultPolicy 默认策略: base 2s, cap 30s, 3 次
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Backoff 计算第 attempt 次失败后的退避时长 (attempt 从 0 起)
func (p Policy) Backoff(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}
	if p.Jitter {
		// 全抖动: [0, base)
		return time.Duration(rand.Float64() * base)
	}
	return time.Duration(base)
}

// Do 按策略执行 fn，返回最后一次错误
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return lastErr
}
