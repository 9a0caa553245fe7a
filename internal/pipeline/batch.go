// Package pipeline 实现单批次的归档状态机:
// 抓取 -> 序列化 -> 上传 -> 校验 -> 删除 -> 提交 -> 推进。
// 任何校验失败都在删除提交前中止，源行保持原状。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/audit"
	"github.com/eidos-exchange/eidos-archiver/internal/codec"
	"github.com/eidos-exchange/eidos-archiver/internal/database"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
	"github.com/eidos-exchange/eidos-archiver/internal/verify"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
	"github.com/eidos-exchange/eidos-archiver/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// Phase 批次阶段
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePlanning    Phase = "planning"
	PhaseFetching    Phase = "fetching"
	PhaseSerializing Phase = "serializing"
	PhaseUploading   Phase = "uploading"
	PhaseVerifying   Phase = "verifying"
	PhaseDeleting    Phase = "deleting"
	PhaseCommitting  Phase = "committing"
	PhaseAdvancing   Phase = "advancing"
	PhaseAborting    Phase = "aborting"
	PhaseDrained     Phase = "drained"
)

const savepointBeforeDelete = "before_delete"

// 删除模式
const (
	DeleteImmediate = "verify_then_delete"
	DeleteStaged    = "staged"
)

// StagedRegistrar 分级删除登记
type StagedRegistrar interface {
	Register(ctx context.Context, d model.StagedDeletion) error
}

// Executor 批次执行器，同一表内批次严格串行
type Executor struct {
	Adapter    *database.Adapter
	Uploader   *objstore.Uploader
	Store      objstore.Store
	Verifier   *verify.Verifier
	Manifests  *state.ManifestStore
	Watermarks *state.WatermarkStore
	Audit      audit.Sink
	Keys       objstore.Keys
	Breaker    *circuitbreaker.CircuitBreaker
	// Spool 主存储不可达时的本地兜底, nil 禁用
	Spool *objstore.Spool

	Schema           *model.TableSchema
	CompressionLevel int
	SampleMax        int
	DeletionMode     string
	StagedDelay      time.Duration
	Staged           StagedRegistrar
	DryRun           bool
	ArchiverVersion  string
	StorageClass     string
	SSE              string
	RunID            string

	phase Phase
	// pending 序列化产物在上传前的暂存
	pending []byte
	// beforeDelete 删除阶段前的注入点, 测试模拟抓取后被外部删除的行
	beforeDelete func(tx *database.BatchTx)
}

// Phase 当前阶段
func (e *Executor) CurrentPhase() Phase {
	if e.phase == "" {
		return PhaseIdle
	}
	return e.phase
}

func (e *Executor) enter(p Phase) time.Time {
	e.phase = p
	return time.Now()
}

// Execute 执行一个批次。返回的错误已按类别分类，
// 瞬时错误由上层按重试预算重试，同一指纹重放是安全的。
func (e *Executor) Execute(ctx context.Context, plan model.BatchPlan) (*model.BatchResult, error) {
	defer func() { e.phase = PhaseIdle }()
	result := &model.BatchResult{Plan: plan}

	// 幂等检查: 指纹已提交说明这是崩溃后的重放
	e.enter(PhasePlanning)
	if entry, ok, err := e.Manifests.HasFingerprint(ctx, plan.Target, plan.Fingerprint); err != nil {
		return nil, err
	} else if ok {
		logger.Info("batch fingerprint already committed, skipping",
			zap.String("table", plan.Target.Key()), zap.String("fingerprint", plan.Fingerprint))
		result.IdempotentSkip = true
		result.Next = model.Cursor{Ts: entry.MaxTs, PK: entry.MaxPK}
		result.Deleted = entry.RecordCount
		metrics.BatchesTotal.WithLabelValues(plan.Target.Key(), "skipped").Inc()
		if e.Audit != nil {
			e.Audit.Record(ctx, model.AuditEvent{
				Kind:           model.AuditArchiveBatchSuccess,
				RunID:          e.RunID,
				Database:       plan.Target.Database,
				Schema:         plan.Target.Schema,
				Table:          plan.Target.Table,
				Ordinal:        plan.Ordinal,
				Rows:           entry.RecordCount,
				Key:            entry.Key,
				IdempotentSkip: true,
			})
		}
		return result, nil
	}

	tx, err := e.Adapter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// 抓取
	start := e.enter(PhaseFetching)
	rows, err := tx.FetchBatch(plan.Target, plan.Cutoff, plan.Lo, plan.Limit, plan.HoldPredicates)
	if err != nil {
		return nil, err
	}
	result.Durations.Fetch = time.Since(start)
	if len(rows) == 0 {
		e.enter(PhaseDrained)
		result.Drained = true
		return result, nil
	}

	// 序列化
	start = e.enter(PhaseSerializing)
	artifact, keys, err := e.serialize(plan, rows)
	if err != nil {
		return nil, err
	}
	result.Durations.Serialize = time.Since(start)
	result.Artifact = *artifact
	result.PrimaryKeys = keys
	result.Next = model.Cursor{Ts: artifact.MaxTs, PK: artifact.MaxPK}

	// 上传数据对象与元数据 sidecar
	start = e.enter(PhaseUploading)
	compressed := e.pending
	e.pending = nil
	if err := e.uploadArtifact(ctx, plan, artifact, compressed); err != nil {
		if spoolErr := e.spoolArtifact(ctx, plan, artifact, compressed, err); spoolErr == nil {
			result.Spooled = true
			metrics.BatchesTotal.WithLabelValues(plan.Target.Key(), "spooled").Inc()
			return result, nil
		}
		return nil, err
	}
	result.Durations.Upload = time.Since(start)

	// 读回校验
	start = e.enter(PhaseVerifying)
	if err := e.Verifier.VerifyUpload(ctx, plan.Target, *artifact, keys); err != nil {
		e.abortUpload(ctx, artifact.Key)
		return nil, err
	}
	result.Durations.Verify = time.Since(start)

	if e.DryRun {
		logger.Info("dry run, leaving source rows in place",
			zap.String("table", plan.Target.Key()), zap.Int("rows", len(rows)))
		e.abortUpload(ctx, artifact.Key)
		return result, nil
	}

	// 删除清单先于删除落盘
	manifest := e.buildDeletionManifest(plan, keys, artifact.RecordCount)
	manifestKey := e.Keys.BatchManifest(artifact.Key)
	if err := e.putJSON(ctx, manifestKey, manifest); err != nil {
		e.abortUpload(ctx, artifact.Key)
		return nil, err
	}

	if e.DeletionMode == DeleteStaged {
		return e.finishStaged(ctx, plan, result, artifact, manifestKey)
	}

	// 删除: 保存点保护, 计数不符回滚
	start = e.enter(PhaseDeleting)
	if e.beforeDelete != nil {
		e.beforeDelete(tx)
	}
	if err := tx.Savepoint(savepointBeforeDelete); err != nil {
		return nil, err
	}
	deleted, err := tx.DeleteByPK(plan.Target, keys)
	if err != nil {
		return nil, err
	}
	if err := verify.VerifyDeleteCount(plan.Target, artifact.RecordCount, deleted); err != nil {
		if rbErr := tx.RollbackTo(savepointBeforeDelete); rbErr != nil {
			logger.Error("rollback to savepoint failed", zap.Error(rbErr))
		}
		return nil, err
	}
	residual, err := tx.CountByPK(plan.Target, keys)
	if err != nil {
		return nil, err
	}
	if err := verify.VerifyResidual(plan.Target, residual); err != nil {
		if rbErr := tx.RollbackTo(savepointBeforeDelete); rbErr != nil {
			logger.Error("rollback to savepoint failed", zap.Error(rbErr))
		}
		return nil, err
	}
	result.Durations.Delete = time.Since(start)
	result.Deleted = deleted

	// 提交
	start = e.enter(PhaseCommitting)
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	result.Durations.Commit = time.Since(start)

	// 提交后抽样复核: 样本键不得仍在源表
	if err := e.sampleCheck(ctx, plan.Target, keys); err != nil {
		return nil, err
	}

	// 推进清单与水位线
	e.enter(PhaseAdvancing)
	if err := e.advance(ctx, plan, artifact); err != nil {
		return nil, err
	}

	e.recordBatchSuccess(ctx, plan, artifact, deleted)
	return result, nil
}

func (e *Executor) serialize(plan model.BatchPlan, rows []model.Row) (*model.BatchArtifact, []string, error) {
	enc, err := codec.NewEncoder(plan, e.CompressionLevel, plan.StartedAt)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(rows))
	var minTs, maxTs time.Time
	var minPK, maxPK string
	for i, row := range rows {
		cur, err := database.RowCursor(plan.Target, row)
		if err != nil {
			return nil, nil, archerrors.Wrap(archerrors.ErrSchemaIncompatible, err)
		}
		if err := enc.WriteRow(row); err != nil {
			return nil, nil, err
		}
		keys = append(keys, cur.PK)
		if i == 0 {
			minTs, minPK = cur.Ts, cur.PK
		}
		maxTs, maxPK = cur.Ts, cur.PK
	}
	res, err := enc.Close()
	if err != nil {
		return nil, nil, err
	}

	artifact := &model.BatchArtifact{
		Key:                e.Keys.Batch(plan.Target, plan.StartedAt, plan.Ordinal),
		UncompressedBytes:  res.UncompressedBytes,
		CompressedBytes:    res.CompressedBytes,
		UncompressedSHA256: res.UncompressedSHA256,
		CompressedSHA256:   res.CompressedSHA256,
		RecordCount:        res.RecordCount,
		MinTs:              minTs,
		MaxTs:              maxTs,
		MinPK:              minPK,
		MaxPK:              maxPK,
	}
	e.pending = res.Compressed
	return artifact, keys, nil
}

func (e *Executor) uploadArtifact(ctx context.Context, plan model.BatchPlan, artifact *model.BatchArtifact, compressed []byte) error {
	if e.Breaker != nil {
		if err := e.Breaker.Allow(); err != nil {
			return archerrors.ErrCircuitOpen.WithDetail("key", artifact.Key)
		}
	}
	_, err := e.Uploader.Upload(ctx, artifact.Key, compressed, objstore.PutOptions{
		ContentType: "application/gzip",
	})
	if e.Breaker != nil {
		if err != nil {
			e.Breaker.Failure()
		} else {
			e.Breaker.Success()
		}
		metrics.CircuitBreakerState.WithLabelValues("storage").Set(float64(e.Breaker.State()))
	}
	if err != nil {
		return archerrors.Wrap(archerrors.ErrUploadFailed, err).WithDetail("key", artifact.Key)
	}

	meta := e.buildMetadata(plan, artifact)
	if err := e.putJSON(ctx, e.Keys.BatchMetadata(artifact.Key), meta); err != nil {
		e.abortUpload(ctx, artifact.Key)
		return err
	}
	return nil
}

// spoolArtifact 主存储不可达时把批次写入本地兜底。
// 兜底批次不删除源行, 回放由后台任务完成。
func (e *Executor) spoolArtifact(ctx context.Context, plan model.BatchPlan, artifact *model.BatchArtifact, compressed []byte, cause error) error {
	if e.Spool == nil {
		return cause
	}
	if !archerrors.IsTransient(cause) && !errors.Is(cause, archerrors.ErrCircuitOpen) {
		return cause
	}
	if err := e.Spool.Put(ctx, artifact.Key, compressed); err != nil {
		return cause
	}
	meta := e.buildMetadata(plan, artifact)
	data, err := json.Marshal(meta)
	if err != nil {
		return cause
	}
	if err := e.Spool.Put(ctx, e.Keys.BatchMetadata(artifact.Key), data); err != nil {
		return cause
	}
	logger.Warn("batch spooled to local fallback, source rows retained",
		zap.String("table", plan.Target.Key()),
		zap.String("key", artifact.Key),
		zap.Error(cause))
	return nil
}

func (e *Executor) buildMetadata(plan model.BatchPlan, artifact *model.BatchArtifact) model.MetadataRecord {
	meta := model.MetadataRecord{
		SchemaVersion:      "1",
		Database:           plan.Target.Database,
		Schema:             plan.Target.Schema,
		Table:              plan.Target.Table,
		BatchOrdinal:       plan.Ordinal,
		Fingerprint:        plan.Fingerprint,
		ArchivedAt:         plan.StartedAt.UTC(),
		MinTs:              artifact.MinTs,
		MaxTs:              artifact.MaxTs,
		RecordCount:        artifact.RecordCount,
		UncompressedBytes:  artifact.UncompressedBytes,
		CompressedBytes:    artifact.CompressedBytes,
		UncompressedSHA256: artifact.UncompressedSHA256,
		Compression:        "gzip",
		CompressionLevel:   e.CompressionLevel,
		PrimaryKey:         plan.Target.PrimaryKey,
		TimestampColumn:    plan.Target.TimestampColumn,
		ArchiverVersion:    e.ArchiverVersion,
		ManifestKey:        e.Keys.BatchManifest(artifact.Key),
		StorageClass:       e.StorageClass,
		SSEOption:          e.SSE,
	}
	if e.Schema != nil {
		meta.Columns = e.Schema.Columns
		meta.Indexes = e.Schema.Indexes
		meta.ServerVersion = e.Schema.ServerVersion
		if col, ok := e.Schema.Column(plan.Target.TimestampColumn); ok {
			meta.TimestampColumnType = col.DataType
		}
	}
	return meta
}

func (e *Executor) buildDeletionManifest(plan model.BatchPlan, keys []string, count int64) model.DeletionManifest {
	return model.DeletionManifest{
		Fingerprint:     plan.Fingerprint,
		Database:        plan.Target.Database,
		Schema:          plan.Target.Schema,
		Table:           plan.Target.Table,
		DeletedAt:       time.Now().UTC(),
		PrimaryKeys:     keys,
		KeySetSHA256:    model.KeySetHash(keys),
		StatementDigest: model.StatementDigest(database.DeleteStatement(plan.Target), keys),
		CommittedRows:   count,
	}
}

func (e *Executor) finishStaged(ctx context.Context, plan model.BatchPlan, result *model.BatchResult, artifact *model.BatchArtifact, manifestKey string) (*model.BatchResult, error) {
	if e.Staged == nil {
		return nil, archerrors.ErrConfigInvalid.WithMessagef("staged deletion mode without registrar")
	}
	err := e.Staged.Register(ctx, model.StagedDeletion{
		Fingerprint: plan.Fingerprint,
		Database:    plan.Target.Database,
		SchemaName:  plan.Target.Schema,
		TableName_:  plan.Target.Table,
		ObjectKey:   artifact.Key,
		ManifestKey: manifestKey,
		RecordCount: artifact.RecordCount,
		Status:      model.StagedPending,
		EligibleAt:  time.Now().Add(e.StagedDelay).UnixMilli(),
		CreatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("register staged deletion: %w", err)
	}
	result.StagedOnly = true

	// 源行保留, 但清单与水位线照常推进, 避免重复归档
	e.enter(PhaseAdvancing)
	if err := e.advance(ctx, plan, artifact); err != nil {
		return nil, err
	}
	metrics.BatchesTotal.WithLabelValues(plan.Target.Key(), "staged").Inc()
	return result, nil
}

func (e *Executor) sampleCheck(ctx context.Context, t model.TableTarget, keys []string) error {
	sample := verify.SampleKeys(keys, verify.SampleSize(len(keys), e.SampleMax))
	if len(sample) == 0 {
		return nil
	}
	found, err := e.Adapter.SampleExists(ctx, t, sample)
	if err != nil {
		// 抽样查询失败不影响已提交的批次, 记警告
		logger.Warn("post-commit sample check failed", zap.String("table", t.Key()), zap.Error(err))
		return nil
	}
	if len(found) > 0 {
		return verify.VerifyResidual(t, int64(len(found)))
	}
	return nil
}

func (e *Executor) advance(ctx context.Context, plan model.BatchPlan, artifact *model.BatchArtifact) error {
	entry := model.ManifestEntry{
		Fingerprint: plan.Fingerprint,
		Key:         artifact.Key,
		Ordinal:     plan.Ordinal,
		RecordCount: artifact.RecordCount,
		MaxTs:       artifact.MaxTs,
		MaxPK:       artifact.MaxPK,
		CommittedAt: time.Now().UTC(),
	}
	if err := e.Manifests.Commit(ctx, plan.Target, entry); err != nil {
		return err
	}

	// 行级保留在场时不推进水位线: 被排除的行留在游标之后,
	// 保留解除后的运行从旧水位线重新扫描即可捕获
	if len(plan.HoldPredicates) > 0 {
		return nil
	}

	w, err := e.Watermarks.Load(ctx, plan.Target)
	if err != nil {
		return err
	}
	w.LastTs = artifact.MaxTs
	w.LastPK = artifact.MaxPK
	w.CumulativeRows += artifact.RecordCount
	return e.Watermarks.Advance(ctx, plan.Target, w)
}

func (e *Executor) recordBatchSuccess(ctx context.Context, plan model.BatchPlan, artifact *model.BatchArtifact, deleted int64) {
	metrics.BatchesTotal.WithLabelValues(plan.Target.Key(), "success").Inc()
	metrics.RowsArchivedTotal.WithLabelValues(plan.Target.Key()).Add(float64(deleted))
	metrics.BytesUploadedTotal.WithLabelValues(plan.Target.Key()).Add(float64(artifact.CompressedBytes))
	if e.Audit != nil {
		e.Audit.Record(ctx, model.AuditEvent{
			Kind:     model.AuditArchiveBatchSuccess,
			RunID:    e.RunID,
			Database: plan.Target.Database,
			Schema:   plan.Target.Schema,
			Table:    plan.Target.Table,
			Ordinal:  plan.Ordinal,
			Rows:     deleted,
			Bytes:    artifact.CompressedBytes,
			Key:      artifact.Key,
		})
	}
}

// putJSON 序列化并写入 JSON 对象
func (e *Executor) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := e.Store.Put(ctx, key, data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		return archerrors.Wrap(archerrors.ErrUploadFailed, err).WithDetail("key", key)
	}
	return nil
}

// abortUpload 校验失败后尽力清除孤儿对象。
// 清除失败无害: 指纹不在清单中的对象视为未提交。
func (e *Executor) abortUpload(ctx context.Context, key string) {
	e.enter(PhaseAborting)
	for _, k := range []string{key, e.Keys.BatchMetadata(key), e.Keys.BatchManifest(key)} {
		if err := e.Store.Delete(ctx, k); err != nil {
			logger.Warn("orphan object cleanup failed", zap.String("key", k), zap.Error(err))
		}
	}
}
