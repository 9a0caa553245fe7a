// Package compliance 实现归档前的合规门禁:
// 法律保留、保留期边界与关键表加密要求。
package compliance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/config"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// HoldSource 法律保留来源
type HoldSource interface {
	// ActiveHolds 目标表当前生效的保留
	ActiveHolds(ctx context.Context, t model.TableTarget) ([]model.LegalHold, error)
}

// Decision 门禁结论
type Decision struct {
	// Allowed 是否允许归档
	Allowed bool
	// SkipReason 不允许时的原因 (legal_hold / retention_bounds / encryption)
	SkipReason string
	// HoldReason 整表法律保留的登记事由
	HoldReason string
	// HoldPredicates 行级保留谓词，抓取时作为排除条件
	HoldPredicates []string
}

// Gate 合规门禁。保留来源不可用视为保留存在，宁可跳过不可误删。
type Gate struct {
	cfg   config.ComplianceConfig
	sse   string
	holds HoldSource
}

// NewGate 创建门禁
func NewGate(cfg config.ComplianceConfig, storageSSE string, holds HoldSource) *Gate {
	return &Gate{cfg: cfg, sse: storageSSE, holds: holds}
}

// Check 归档开始前的门禁检查
func (g *Gate) Check(ctx context.Context, t model.TableTarget, cutoff, serverNow time.Time) (*Decision, error) {
	// 关键表必须启用存储端加密
	if t.Critical && g.cfg.RequireEncryption && g.sse == "" {
		metrics.ComplianceSkipsTotal.WithLabelValues(t.Key(), "encryption").Inc()
		return nil, archerrors.ErrEncryptionRequired.WithDetail("table", t.Key())
	}

	// 生效保留期必须落在分类区间内: 截止时间不得晚于下限允许的时间,
	// 也不得早于上限允许的时间
	if b, ok := g.cfg.RetentionBounds[t.Classification]; ok {
		earliest := serverNow.AddDate(0, 0, -b.MinDays)
		if cutoff.After(earliest) {
			metrics.ComplianceSkipsTotal.WithLabelValues(t.Key(), "retention_bounds").Inc()
			return nil, archerrors.ErrRetentionBounds.WithContext(map[string]string{
				"table":          t.Key(),
				"classification": t.Classification,
				"min_days":       fmt.Sprintf("%d", b.MinDays),
			})
		}
		if b.MaxDays > 0 {
			latest := serverNow.AddDate(0, 0, -b.MaxDays)
			if cutoff.Before(latest) {
				metrics.ComplianceSkipsTotal.WithLabelValues(t.Key(), "retention_bounds").Inc()
				return nil, archerrors.ErrRetentionBounds.WithContext(map[string]string{
					"table":          t.Key(),
					"classification": t.Classification,
					"max_days":       fmt.Sprintf("%d", b.MaxDays),
				})
			}
		}
	}

	if g.holds == nil {
		return &Decision{Allowed: true}, nil
	}
	holds, err := g.holds.ActiveHolds(ctx, t)
	if err != nil {
		// 保留状态未知时不归档
		return nil, archerrors.Wrap(archerrors.ErrLegalHoldCheck, err).WithDetail("table", t.Key())
	}

	decision := &Decision{Allowed: true}
	for _, h := range holds {
		if !h.Active(serverNow) || !h.Covers(t) {
			continue
		}
		if h.Predicate == "" {
			// 整表保留
			metrics.ComplianceSkipsTotal.WithLabelValues(t.Key(), "legal_hold").Inc()
			logger.Info("table under legal hold, skipping",
				zap.String("table", t.Key()), zap.String("reason", h.Reason))
			return &Decision{Allowed: false, SkipReason: "legal_hold", HoldReason: h.Reason}, nil
		}
		decision.HoldPredicates = append(decision.HoldPredicates, h.Predicate)
	}
	return decision, nil
}
