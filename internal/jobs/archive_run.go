// Package jobs 实现归档服务的后台任务。
package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/orchestrator"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
)

// RunFactory 按运行 ID 构造一次归档运行
type RunFactory func(runID string) *orchestrator.RunOrchestrator

// ArchiveRunJob 定时归档运行
type ArchiveRunJob struct {
	scheduler.BaseJob
	factory RunFactory
}

// NewArchiveRunJob 创建归档运行任务。
// 运行自身持有运行锁, 调度器层无需再加锁。
func NewArchiveRunJob(factory RunFactory) *ArchiveRunJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameArchiveRun]
	return &ArchiveRunJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameArchiveRun, cfg.Timeout, false),
		factory: factory,
	}
}

// Execute 执行一次完整归档运行
func (j *ArchiveRunJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	runID := uuid.NewString()
	run := j.factory(runID)
	summary := run.Run(ctx)

	result := &scheduler.JobResult{
		ProcessedCount: len(summary.Tables),
		AffectedCount:  int(summary.TotalRows()),
		ErrorCount:     summary.Failed(),
		Details: map[string]interface{}{
			"run_id":    runID,
			"exit_code": summary.ExitCode,
			"skipped":   summary.Skipped(),
		},
	}
	if summary.ExitCode != model.ExitOK && summary.ExitCode != model.ExitComplianceBlock {
		return result, errForExit(summary.ExitCode)
	}
	return result, nil
}

func errForExit(code int) error {
	switch code {
	case model.ExitLockNotAcquired:
		return errRunLockHeld
	case model.ExitStorageDown:
		return errStorageDown
	default:
		return errRunFailed
	}
}
