package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/database"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
	"github.com/eidos-exchange/eidos-archiver/internal/verify"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

var (
	errRunLockHeld = errors.New("archive run lock held by another process")
	errStorageDown = errors.New("object storage unreachable")
	errRunFailed   = errors.New("archive run finished with failures")
)

// StagedSweeperJob 分级删除清除任务。
// 延迟期满的批次先核验归档对象仍在场且完整，再按删除清单的主键删除源行。
type StagedSweeperJob struct {
	scheduler.BaseJob
	staged   *state.StagedStore
	adapters map[string]*database.Adapter
	store    objstore.Store
	tables   map[string]model.TableTarget
	limit    int
}

// NewStagedSweeperJob 创建分级删除清除任务
func NewStagedSweeperJob(staged *state.StagedStore, adapters map[string]*database.Adapter, store objstore.Store, tables []model.TableTarget) *StagedSweeperJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameStagedSweeper]
	byKey := make(map[string]model.TableTarget, len(tables))
	for _, t := range tables {
		byKey[t.Key()] = t
	}
	return &StagedSweeperJob{
		BaseJob:  scheduler.NewBaseJob(scheduler.JobNameStagedSweeper, cfg.Timeout, true),
		staged:   staged,
		adapters: adapters,
		store:    store,
		tables:   byKey,
		limit:    100,
	}
}

// Execute 清除到期的分级删除批次
func (j *StagedSweeperJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{Details: make(map[string]interface{})}

	due, err := j.staged.DuePending(ctx, time.Now(), j.limit)
	if err != nil {
		return result, err
	}
	for _, d := range due {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
		result.ProcessedCount++
		deleted, err := j.sweepOne(ctx, d)
		if err != nil {
			result.ErrorCount++
			logger.Error("staged deletion sweep failed",
				zap.String("fingerprint", d.Fingerprint),
				zap.String("table", d.TableName_), zap.Error(err))
			if markErr := j.staged.MarkFailed(ctx, d.ID); markErr != nil {
				logger.Error("mark staged deletion failed", zap.Error(markErr))
			}
			continue
		}
		result.AffectedCount += int(deleted)
		if err := j.staged.MarkDeleted(ctx, d.ID); err != nil {
			logger.Error("mark staged deletion deleted", zap.Error(err))
		}
	}
	return result, nil
}

// sweepOne 删除一个批次的源行。归档对象缺失或清单不符时拒绝删除。
func (j *StagedSweeperJob) sweepOne(ctx context.Context, d model.StagedDeletion) (int64, error) {
	key := fmt.Sprintf("%s/%s/%s", d.Database, d.SchemaName, d.TableName_)
	target, ok := j.tables[key]
	if !ok {
		return 0, fmt.Errorf("table %s no longer configured", key)
	}
	adapter, ok := j.adapters[d.Database]
	if !ok {
		return 0, fmt.Errorf("no source configured for database %s", d.Database)
	}

	// 归档对象必须仍然在场
	if _, err := j.store.Head(ctx, d.ObjectKey); err != nil {
		return 0, fmt.Errorf("archive object %s missing: %w", d.ObjectKey, err)
	}
	data, _, err := j.store.Get(ctx, d.ManifestKey)
	if err != nil {
		return 0, fmt.Errorf("load deletion manifest %s: %w", d.ManifestKey, err)
	}
	var manifest model.DeletionManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return 0, fmt.Errorf("decode deletion manifest %s: %w", d.ManifestKey, err)
	}
	if manifest.Fingerprint != d.Fingerprint {
		return 0, fmt.Errorf("manifest fingerprint mismatch for %s", d.ManifestKey)
	}
	if got := model.KeySetHash(manifest.PrimaryKeys); got != manifest.KeySetSHA256 {
		return 0, fmt.Errorf("manifest key set hash mismatch for %s", d.ManifestKey)
	}

	tx, err := adapter.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	deleted, err := tx.DeleteByPK(target, manifest.PrimaryKeys)
	if err != nil {
		return 0, err
	}
	// 延迟期间部分行可能已被其它途径删除, 多删才是错误
	if deleted > d.RecordCount {
		return 0, verify.VerifyDeleteCount(target, d.RecordCount, deleted)
	}
	residual, err := tx.CountByPK(target, manifest.PrimaryKeys)
	if err != nil {
		return 0, err
	}
	if err := verify.VerifyResidual(target, residual); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Info("staged deletion swept",
		zap.String("table", key),
		zap.String("fingerprint", d.Fingerprint),
		zap.Int64("deleted", deleted))
	return deleted, nil
}
