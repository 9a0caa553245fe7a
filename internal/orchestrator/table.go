// Package orchestrator 驱动表级与运行级归档流程。
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/compliance"
	"github.com/eidos-exchange/eidos-archiver/internal/database"
	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/pipeline"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
	"github.com/eidos-exchange/eidos-archiver/pkg/adaptive"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
	"github.com/eidos-exchange/eidos-archiver/pkg/retry"
)

// TableOrchestrator 串行推进单表的批次循环
type TableOrchestrator struct {
	Adapter     *database.Adapter
	Executor    *pipeline.Executor
	Gate        *compliance.Gate
	Checkpoints *state.CheckpointStore
	Locks       lock.Manager

	Sizer        *adaptive.Sizer
	Retry        retry.Policy
	BatchTimeout time.Duration
	RunID        string
}

// ArchiveTable 归档一张表直到无可归档行或达到批次上限。
// 返回的 TableResult 总是非 nil，错误通过 Outcome 与 ErrorCode 表达。
func (o *TableOrchestrator) ArchiveTable(ctx context.Context, t model.TableTarget) *model.TableResult {
	start := time.Now()
	result := &model.TableResult{Target: t, Key: t.Key(), Outcome: model.TableSuccess}
	fail := func(err error) *model.TableResult {
		biz := archerrors.FromError(err)
		result.Outcome = model.TableFailed
		result.ErrorCode = biz.Code
		result.ErrorMessage = biz.Message
		result.Duration = time.Since(start)
		logger.Error("table archive failed",
			zap.String("table", t.Key()), zap.String("code", biz.Code), zap.Error(err))
		return result
	}

	// 表级锁: 同一表绝不并发归档
	tl := o.Locks.TableLock(t.Key())
	ok, err := tl.TryLock(ctx)
	if err != nil {
		return fail(err)
	}
	if !ok {
		result.Outcome = model.TableSkipped
		result.SkipReason = "table_locked"
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := tl.Unlock(context.Background()); err != nil {
			logger.Warn("table lock release failed", zap.String("table", t.Key()), zap.Error(err))
		}
	}()

	if err := o.Adapter.Ping(ctx); err != nil {
		return fail(err)
	}
	if err := o.Adapter.CheckClockSkew(ctx); err != nil {
		return fail(err)
	}

	schema, err := o.Adapter.Introspect(ctx, t)
	if err != nil {
		return fail(err)
	}
	if err := database.ValidateTarget(t, schema); err != nil {
		return fail(err)
	}
	if _, err := database.DriftCheck(t, schema); err != nil {
		// 漂移是警告: 新结构随元数据记录, 归档继续
		metrics.SchemaDriftTotal.WithLabelValues(t.Key()).Inc()
		logger.Warn("schema drift detected", zap.String("table", t.Key()), zap.Error(err))
	}
	o.Executor.Schema = schema

	serverNow, err := o.Adapter.ServerNow(ctx)
	if err != nil {
		return fail(err)
	}
	cutoff := t.CutoffFor(serverNow)

	decision, err := o.Gate.Check(ctx, t, cutoff, serverNow)
	if err != nil {
		return fail(err)
	}
	if !decision.Allowed {
		// 整表法律保留的跳过必须留下审计轨迹
		if decision.SkipReason == "legal_hold" && o.Executor.Audit != nil {
			o.Executor.Audit.Record(ctx, model.AuditEvent{
				Kind:     model.AuditSkipLegalHold,
				RunID:    o.RunID,
				Database: t.Database,
				Schema:   t.Schema,
				Table:    t.Table,
				Message:  decision.HoldReason,
			})
		}
		result.Outcome = model.TableSkipped
		result.SkipReason = decision.SkipReason
		result.Duration = time.Since(start)
		return result
	}

	w, err := o.Executor.Watermarks.Load(ctx, t)
	if err != nil {
		return fail(err)
	}
	lo := w.Cursor()
	ordinal := 0

	// 检查点在场说明上次运行未正常结束, 从其游标续跑
	if cp, err := o.Checkpoints.Load(ctx, t); err == nil && cp != nil {
		cpCursor := cp.Watermark.Cursor()
		if lo.Less(cpCursor) {
			lo = cpCursor
		}
		ordinal = cp.BatchOrdinal
		logger.Info("resuming from checkpoint",
			zap.String("table", t.Key()), zap.Int("batch_ordinal", ordinal))
	}

	// 快照计数仅供进度观测, SKIP LOCKED 抓取到的行可能少于该值
	if eligible, err := o.Adapter.CountEligible(ctx, t, cutoff, lo); err != nil {
		logger.Warn("eligible row count failed", zap.String("table", t.Key()), zap.Error(err))
	} else {
		metrics.EligibleRowsGauge.WithLabelValues(t.Key()).Set(float64(eligible))
		logger.Info("table archive starting",
			zap.String("table", t.Key()), zap.Int64("eligible_rows", eligible))
	}

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-tl.Lost():
			return fail(archerrors.ErrLockLost.WithDetail("table", t.Key()))
		default:
		}

		if t.MaxBatchesPerRun > 0 && result.Batches >= t.MaxBatchesPerRun {
			logger.Info("per-run batch limit reached",
				zap.String("table", t.Key()), zap.Int("batches", result.Batches))
			break
		}

		ordinal++
		size := o.Sizer.Size()
		metrics.BatchSizeGauge.WithLabelValues(t.Key()).Set(float64(size))
		plan := model.BatchPlan{
			Target:         t,
			Cutoff:         cutoff,
			Lo:             lo,
			Limit:          size,
			Ordinal:        ordinal,
			Fingerprint:    model.ComputeFingerprint(t, cutoff, lo, ordinal),
			StartedAt:      time.Now().UTC(),
			HoldPredicates: decision.HoldPredicates,
		}

		res, err := o.executeWithRetry(ctx, plan)
		if err != nil {
			return fail(err)
		}
		if res.Drained {
			result.Outcome = model.TableDrained
			break
		}
		if res.Spooled {
			// 主存储不可达, 批次已落本地兜底且源行保留。
			// 继续只会积压兜底目录, 本表到此为止。
			logger.Warn("batch spooled, stopping table until storage recovers",
				zap.String("table", t.Key()), zap.Int("batches", result.Batches))
			result.Batches++
			result.BytesUploaded += res.Artifact.CompressedBytes
			break
		}

		o.Sizer.Record(res.Durations.Fetch, int(res.Artifact.RecordCount))
		observePhases(t, res.Durations)
		result.Batches++
		result.RowsArchived += res.Deleted
		result.BytesUploaded += res.Artifact.CompressedBytes
		lo = res.Next
		metrics.WatermarkLag.WithLabelValues(t.Key()).Set(cutoff.Sub(lo.Ts).Seconds())

		if o.Checkpoints.Due(result.Batches) {
			cp := &model.Checkpoint{
				RunID:        o.RunID,
				Database:     t.Database,
				Schema:       t.Schema,
				Table:        t.Table,
				BatchOrdinal: ordinal,
				Watermark: model.Watermark{
					Database: t.Database, Schema: t.Schema, Table: t.Table,
					LastTs: lo.Ts, LastPK: lo.PK,
				},
			}
			if err := o.Checkpoints.Save(ctx, t, cp); err != nil {
				logger.Warn("checkpoint save failed", zap.String("table", t.Key()), zap.Error(err))
			}
		}
	}

	if err := o.Checkpoints.Clear(ctx, t); err != nil {
		logger.Warn("checkpoint clear failed", zap.String("table", t.Key()), zap.Error(err))
	}
	if result.RowsArchived > 0 {
		if err := o.Adapter.Vacuum(ctx, t); err != nil {
			logger.Warn("vacuum failed", zap.String("table", t.Key()), zap.Error(err))
		}
	}
	result.Duration = time.Since(start)
	return result
}

// executeWithRetry 瞬时错误按重试预算重试同一批次计划。
// 永久错误与表级错误立即上抛。
func (o *TableOrchestrator) executeWithRetry(ctx context.Context, plan model.BatchPlan) (*model.BatchResult, error) {
	var res *model.BatchResult
	attempt := 0
	err := retry.Do(ctx, o.policyFor(), func() error {
		attempt++
		bctx := ctx
		var cancel context.CancelFunc
		if o.BatchTimeout > 0 {
			bctx, cancel = context.WithTimeout(ctx, o.BatchTimeout)
			defer cancel()
		}
		var err error
		res, err = o.Executor.Execute(bctx, plan)
		if err != nil && attempt > 1 {
			logger.Warn("batch retry failed",
				zap.String("table", plan.Target.Key()),
				zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		if archerrors.IsTransient(err) {
			return nil, archerrors.Wrap(archerrors.ErrRetryExhausted, err).
				WithDetail("fingerprint", plan.Fingerprint)
		}
		return nil, err
	}
	return res, nil
}

func (o *TableOrchestrator) policyFor() retry.Policy {
	p := o.Retry
	p.Retryable = archerrors.IsTransient
	return p
}

func observePhases(t model.TableTarget, d model.PhaseDurations) {
	key := t.Key()
	metrics.BatchPhaseDuration.WithLabelValues(key, "fetch").Observe(d.Fetch.Seconds())
	metrics.BatchPhaseDuration.WithLabelValues(key, "serialize").Observe(d.Serialize.Seconds())
	metrics.BatchPhaseDuration.WithLabelValues(key, "upload").Observe(d.Upload.Seconds())
	metrics.BatchPhaseDuration.WithLabelValues(key, "verify").Observe(d.Verify.Seconds())
	metrics.BatchPhaseDuration.WithLabelValues(key, "delete").Observe(d.Delete.Seconds())
	metrics.BatchPhaseDuration.WithLabelValues(key, "commit").Observe(d.Commit.Seconds())
}
