package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/audit"
	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/notify"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// TableRunner 执行单表归档
type TableRunner interface {
	ArchiveTable(ctx context.Context, t model.TableTarget) *model.TableResult
}

// Pinger 存储可达性探测
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunOrchestrator 驱动一次完整归档运行:
// 存储探测, 运行锁, 有界并行的表归档, 运行汇总与退出码。
type RunOrchestrator struct {
	// Runners 按源数据库名分派表归档器
	Runners map[string]TableRunner
	Tables  []model.TableTarget
	Locks   lock.Manager
	// Storage 为 nil 时跳过启动探测 (本地后端)
	Storage Pinger
	Store   objstore.Store
	Keys    objstore.Keys
	Audit   audit.Sink
	// Notify 为 nil 时不发通知
	Notify notify.Notifier
	// StateDB 为 nil 时不落运行执行记录
	StateDB *gorm.DB

	MaxParallel int
	RunID       string
	Version     string
}

// Run 执行一次归档运行。返回的 RunSummary 总是非 nil,
// ExitCode 即进程退出码。表级失败互相隔离, 不中断其余表。
func (o *RunOrchestrator) Run(ctx context.Context) *model.RunSummary {
	start := time.Now().UTC()
	host, _ := os.Hostname()
	summary := &model.RunSummary{
		RunID: o.RunID, StartedAt: start, Host: host, Version: o.Version,
	}
	finish := func(code int, status string) *model.RunSummary {
		summary.FinishedAt = time.Now().UTC()
		summary.ExitCode = code
		metrics.RunsTotal.WithLabelValues(status).Inc()
		metrics.RunDuration.Observe(summary.FinishedAt.Sub(start).Seconds())
		return summary
	}

	if o.Storage != nil {
		if err := o.Storage.Ping(ctx); err != nil {
			logger.Error("storage probe failed, refusing to start",
				zap.String("run_id", o.RunID), zap.Error(err))
			return finish(model.ExitStorageDown, "failed")
		}
	}

	rl := o.Locks.RunLock()
	ok, err := rl.TryLock(ctx)
	if err != nil {
		logger.Error("run lock error", zap.String("run_id", o.RunID), zap.Error(err))
		return finish(model.ExitFatal, "failed")
	}
	if !ok {
		logger.Warn("another run holds the lock, exiting", zap.String("run_id", o.RunID))
		return finish(model.ExitLockNotAcquired, "skipped")
	}
	defer func() {
		if err := rl.Unlock(context.Background()); err != nil {
			logger.Warn("run lock release failed", zap.Error(err))
		}
	}()

	exec := o.beginExecution(ctx, start)
	o.Audit.Record(ctx, model.AuditEvent{
		Kind: model.AuditArchiveStart, RunID: o.RunID,
		Message: "archive run started",
	})
	logger.Info("archive run started",
		zap.String("run_id", o.RunID), zap.Int("tables", len(o.Tables)))

	// 运行锁丢失时取消全部在途表, 未提交批次随事务回滚
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-rl.Lost():
			logger.Error("run lock lost, cancelling all tables", zap.String("run_id", o.RunID))
			cancel()
		case <-runCtx.Done():
		}
	}()

	parallel := o.MaxParallel
	if parallel <= 0 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)
	results := make([]model.TableResult, len(o.Tables))
	var wg sync.WaitGroup
	for i, t := range o.Tables {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t model.TableTarget) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = *o.archiveOne(runCtx, t)
		}(i, t)
	}
	wg.Wait()

	summary.Tables = results
	code := summary.ResolveExitCode()
	status := "success"
	switch {
	case ctx.Err() != nil:
		code = model.ExitInterrupted
		status = "failed"
	case code == model.ExitPartialFailure:
		status = "partial"
	case code == model.ExitComplianceBlock:
		status = "skipped"
	}

	o.recordOutcome(code)
	o.writeSummary(summary, start, code)
	o.finishExecution(exec, summary, code)
	o.notifyOutcome(summary, code)

	logger.Info("archive run finished",
		zap.String("run_id", o.RunID),
		zap.Int("exit_code", code),
		zap.Int64("rows_archived", summary.TotalRows()),
		zap.Int("failed_tables", summary.Failed()))
	return finish(code, status)
}

// archiveOne 分派并执行单表, 缺失的源配置视为表级失败
func (o *RunOrchestrator) archiveOne(ctx context.Context, t model.TableTarget) *model.TableResult {
	runner, ok := o.Runners[t.Database]
	if !ok {
		err := archerrors.ErrConfigInvalid.WithDetail("database", t.Database).
			WithMessagef("no source configured for database %s", t.Database)
		return &model.TableResult{
			Target: t, Key: t.Key(), Outcome: model.TableFailed,
			ErrorCode: err.Code, ErrorMessage: err.Message,
		}
	}
	return runner.ArchiveTable(ctx, t)
}

func (o *RunOrchestrator) recordOutcome(code int) {
	ctx := context.Background()
	switch code {
	case model.ExitOK:
		o.Audit.Record(ctx, model.AuditEvent{
			Kind: model.AuditArchiveSuccess, RunID: o.RunID,
		})
	default:
		o.Audit.Record(ctx, model.AuditEvent{
			Kind: model.AuditArchiveFailure, RunID: o.RunID,
			Message: "run finished with non-zero exit code",
		})
	}
}

// notifyOutcome 非零退出码发送通知, 发送失败只告警
func (o *RunOrchestrator) notifyOutcome(summary *model.RunSummary, code int) {
	if o.Notify == nil || code == model.ExitOK {
		return
	}
	severity := notify.SeverityWarning
	if code == model.ExitFatal || code == model.ExitStorageDown {
		severity = notify.SeverityCritical
	}
	ev := notify.Event{
		RunID:    o.RunID,
		Severity: severity,
		Title:    "archive run finished with non-zero exit code",
		Message:  model.ExitCodeName(code),
		Fields: map[string]string{
			"exit_code":     strconv.Itoa(code),
			"failed_tables": strconv.Itoa(summary.Failed()),
		},
	}
	if err := o.Notify.Notify(context.Background(), ev); err != nil {
		logger.Warn("notification send failed", zap.Error(err))
	}
}

// writeSummary 运行汇总写入对象存储, 失败只告警
func (o *RunOrchestrator) writeSummary(summary *model.RunSummary, start time.Time, code int) {
	summary.FinishedAt = time.Now().UTC()
	summary.ExitCode = code
	data, err := json.Marshal(summary)
	if err != nil {
		logger.Warn("marshal run summary failed", zap.Error(err))
		return
	}
	key := o.Keys.RunSummary(o.RunID, start)
	if _, err := o.Store.Put(context.Background(), key, data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		logger.Warn("run summary write failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *RunOrchestrator) beginExecution(ctx context.Context, start time.Time) *model.RunExecution {
	if o.StateDB == nil {
		return nil
	}
	exec := &model.RunExecution{
		RunID:     o.RunID,
		JobName:   "archive_run",
		Status:    model.RunStatusRunning,
		StartedAt: start.UnixMilli(),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := o.StateDB.WithContext(ctx).Create(exec).Error; err != nil {
		logger.Warn("run execution record create failed", zap.Error(err))
		return nil
	}
	return exec
}

func (o *RunOrchestrator) finishExecution(exec *model.RunExecution, summary *model.RunSummary, code int) {
	if exec == nil || o.StateDB == nil {
		return
	}
	now := time.Now().UnixMilli()
	duration := int(now - exec.StartedAt)
	status := model.RunStatusSuccess
	switch code {
	case model.ExitOK:
		status = model.RunStatusSuccess
	case model.ExitPartialFailure:
		status = model.RunStatusPartial
	case model.ExitComplianceBlock, model.ExitLockNotAcquired:
		status = model.RunStatusSkipped
	default:
		status = model.RunStatusFailed
	}
	exec.Status = status
	exec.FinishedAt = &now
	exec.DurationMs = &duration
	exec.ExitCode = &code
	exec.Result = model.JSONResult{
		"tables":        len(summary.Tables),
		"rows_archived": summary.TotalRows(),
		"failed":        summary.Failed(),
		"skipped":       summary.Skipped(),
	}
	if err := o.StateDB.Save(exec).Error; err != nil {
		logger.Warn("run execution record update failed", zap.Error(err))
	}
}
