package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// MultipartCleanupJob 放弃滞留的分片上传。
// 崩溃留下的未完成分片上传占用存储空间且永远不会被引用。
type MultipartCleanupJob struct {
	scheduler.BaseJob
	store  objstore.MultipartStore
	prefix string
	// staleAfter 发起后超过该时长仍未完成的上传视为滞留
	staleAfter time.Duration
}

// NewMultipartCleanupJob 创建分片上传清理任务
func NewMultipartCleanupJob(store objstore.MultipartStore, prefix string) *MultipartCleanupJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameMultipartCleanup]
	return &MultipartCleanupJob{
		BaseJob:    scheduler.NewBaseJob(scheduler.JobNameMultipartCleanup, cfg.Timeout, true),
		store:      store,
		prefix:     prefix,
		staleAfter: 24 * time.Hour,
	}
}

// Execute 放弃全部滞留的分片上传
func (j *MultipartCleanupJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{Details: make(map[string]interface{})}

	uploads, err := j.store.ListMultipart(ctx, j.prefix)
	if err != nil {
		return result, err
	}
	cutoff := time.Now().Add(-j.staleAfter)
	for _, u := range uploads {
		result.ProcessedCount++
		if u.Initiated.After(cutoff) {
			continue
		}
		if err := j.store.AbortMultipart(ctx, u.Key, u.UploadID); err != nil {
			result.ErrorCount++
			logger.Error("abort stale multipart upload failed",
				zap.String("key", u.Key), zap.String("upload_id", u.UploadID), zap.Error(err))
			continue
		}
		result.AffectedCount++
		logger.Info("stale multipart upload aborted",
			zap.String("key", u.Key), zap.Time("initiated", u.Initiated))
	}
	return result, nil
}
