package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// FallbackDrainJob 将主存储不可用期间落入本地 spool 的对象回放到主存储
type FallbackDrainJob struct {
	scheduler.BaseJob
	spool  *objstore.Spool
	target objstore.Store
	// purgeAge 回放成功且超龄的残留清理窗口
	purgeAge time.Duration
}

// NewFallbackDrainJob 创建 spool 回放任务
func NewFallbackDrainJob(spool *objstore.Spool, target objstore.Store) *FallbackDrainJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameFallbackDrain]
	return &FallbackDrainJob{
		BaseJob:  scheduler.NewBaseJob(scheduler.JobNameFallbackDrain, cfg.Timeout, true),
		spool:    spool,
		target:   target,
		purgeAge: 7 * 24 * time.Hour,
	}
}

// Execute 回放 spool 并清理超龄残留
func (j *FallbackDrainJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{Details: make(map[string]interface{})}

	pending, err := j.spool.Pending(ctx)
	if err != nil {
		return result, err
	}
	result.ProcessedCount = pending
	if pending == 0 {
		return result, nil
	}

	drained, err := j.spool.Drain(ctx, j.target)
	result.AffectedCount = drained
	if err != nil {
		result.ErrorCount = pending - drained
		return result, err
	}

	purged, err := j.spool.PurgeOlderThan(ctx, j.purgeAge)
	if err != nil {
		logger.Warn("spool purge failed", zap.Error(err))
	}
	result.Details["purged"] = purged
	logger.Info("fallback spool drained",
		zap.Int("drained", drained), zap.Int("purged", purged))
	return result, nil
}
