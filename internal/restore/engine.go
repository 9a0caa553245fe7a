// Package restore 从归档对象恢复行到关系库。
// 恢复前校验对象完整性，冲突与模式差异按策略处理。
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-archiver/internal/audit"
	"github.com/eidos-exchange/eidos-archiver/internal/codec"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// 冲突策略
const (
	ConflictSkip      = "skip"
	ConflictOverwrite = "overwrite"
	ConflictFail      = "fail"
	ConflictUpsert    = "upsert"
)

// 模式策略
const (
	SchemaStrict    = "strict"
	SchemaLenient   = "lenient"
	SchemaTransform = "transform"
	SchemaNone      = "none"
)

// Request 一次恢复请求
type Request struct {
	Target model.TableTarget
	// From / To 按批次元数据的行时间范围过滤，零值不限
	From time.Time
	To   time.Time
	// BatchKeys 显式指定对象键，空则恢复前缀下全部批次
	BatchKeys []string
	// IgnoreWatermark 无视恢复水位线, 重新恢复已恢复过的批次
	IgnoreWatermark bool
	DryRun          bool
}

// Result 恢复结果
type Result struct {
	Batches      int           `json:"batches"`
	RowsRestored int64         `json:"rows_restored"`
	RowsSkipped  int64         `json:"rows_skipped"`
	Duration     time.Duration `json:"duration_ns"`
}

// Engine 恢复引擎
type Engine struct {
	DB    *gorm.DB
	Store objstore.Store
	Keys  objstore.Keys
	Audit audit.Sink
	// Watermarks 恢复水位线, nil 不记录进度
	Watermarks *state.RestoreWatermarkStore

	ConflictStrategy string
	SchemaStrategy   string
	// Transform 模式策略为 transform 时的行变换钩子
	Transform func(map[string]interface{}) map[string]interface{}
	BulkSize  int
	RunID     string
}

// Restore 执行恢复。批次按对象键顺序逐个恢复，
// 单批次失败立即中止，已恢复的批次保持。
func (e *Engine) Restore(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{}
	e.record(ctx, model.AuditRestoreStart, req.Target, 0, "")

	keys, err := e.selectBatches(ctx, req)
	if err != nil {
		e.record(ctx, model.AuditRestoreFailure, req.Target, result.RowsRestored, err.Error())
		return nil, err
	}
	logger.Info("restore starting",
		zap.String("table", req.Target.Key()), zap.Int("batches", len(keys)))

	for _, key := range keys {
		restored, skipped, err := e.restoreBatch(ctx, req, key)
		if err != nil {
			e.record(ctx, model.AuditRestoreFailure, req.Target, result.RowsRestored, err.Error())
			return result, fmt.Errorf("restore batch %s: %w", key, err)
		}
		result.Batches++
		result.RowsRestored += restored
		result.RowsSkipped += skipped
		if e.Watermarks != nil && !req.DryRun {
			if err := e.Watermarks.Advance(ctx, req.Target, key); err != nil {
				// 进度记录失败不中止恢复, 重复批次由冲突策略兜底
				logger.Warn("restore watermark advance failed",
					zap.String("table", req.Target.Key()), zap.String("key", key), zap.Error(err))
			}
		}
	}

	result.Duration = time.Since(start)
	metrics.RestoreRowsTotal.WithLabelValues(req.Target.Key(), "inserted").Add(float64(result.RowsRestored))
	metrics.RestoreRowsTotal.WithLabelValues(req.Target.Key(), "skipped").Add(float64(result.RowsSkipped))
	metrics.RestoreDuration.WithLabelValues(req.Target.Key()).Observe(result.Duration.Seconds())
	e.record(ctx, model.AuditRestoreSuccess, req.Target, result.RowsRestored, "")
	logger.Info("restore finished",
		zap.String("table", req.Target.Key()),
		zap.Int("batches", result.Batches),
		zap.Int64("rows", result.RowsRestored))
	return result, nil
}

// selectBatches 收集待恢复的数据对象键并按时间范围过滤
func (e *Engine) selectBatches(ctx context.Context, req Request) ([]string, error) {
	keys := req.BatchKeys
	if len(keys) == 0 {
		objs, err := e.Store.List(ctx, e.Keys.TableDataPrefix(req.Target))
		if err != nil {
			return nil, archerrors.Wrap(archerrors.ErrStorageUnreachable, err)
		}
		for _, o := range objs {
			if strings.HasSuffix(o.Key, ".jsonl.gz") {
				keys = append(keys, o.Key)
			}
		}
	}
	sort.Strings(keys)

	// 批次键按字典序排列, 不大于恢复水位线的批次已恢复过
	if e.Watermarks != nil && !req.IgnoreWatermark {
		w, err := e.Watermarks.Load(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		if w.LastKey != "" {
			remaining := keys[:0]
			for _, key := range keys {
				if key > w.LastKey {
					remaining = append(remaining, key)
				}
			}
			keys = remaining
		}
	}

	if req.From.IsZero() && req.To.IsZero() {
		return keys, nil
	}
	var filtered []string
	for _, key := range keys {
		meta, err := e.loadMetadata(ctx, key)
		if err != nil || meta == nil {
			// 元数据缺失时无从过滤, 保守纳入
			filtered = append(filtered, key)
			continue
		}
		if !req.From.IsZero() && meta.MaxTs.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && meta.MinTs.After(req.To) {
			continue
		}
		filtered = append(filtered, key)
	}
	return filtered, nil
}

func (e *Engine) loadMetadata(ctx context.Context, batchKey string) (*model.MetadataRecord, error) {
	data, _, err := e.Store.Get(ctx, e.Keys.BatchMetadata(batchKey))
	if err != nil {
		if objstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta model.MetadataRecord
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", batchKey, err)
	}
	return &meta, nil
}

// restoreBatch 解码整个对象, 对照元数据校验后分块写入
func (e *Engine) restoreBatch(ctx context.Context, req Request, key string) (restored, skipped int64, err error) {
	meta, err := e.loadMetadata(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	if meta == nil && e.SchemaStrategy == SchemaStrict {
		return 0, 0, archerrors.ErrChecksumMismatch.Copy().
			WithMessagef("metadata sidecar missing for %s", key)
	}

	rc, _, err := e.Store.GetStream(ctx, key)
	if err != nil {
		return 0, 0, archerrors.Wrap(archerrors.ErrStorageUnreachable, err).WithDetail("key", key)
	}
	defer rc.Close()
	dec, err := codec.NewDecoder(rc)
	if err != nil {
		return 0, 0, fmt.Errorf("open archive object %s: %w", key, err)
	}
	defer dec.Close()

	var rows []map[string]interface{}
	for {
		record, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, archerrors.Wrap(archerrors.ErrChecksumMismatch, err).WithDetail("key", key)
		}
		row, err := e.prepareRow(record)
		if err != nil {
			return 0, 0, err
		}
		rows = append(rows, row)
	}

	// 写入前整体校验: 行数与未压缩哈希都必须与元数据一致
	if meta != nil {
		if dec.Count() != meta.RecordCount {
			return 0, 0, archerrors.ErrCountMismatch.WithContext(map[string]string{
				"key":      key,
				"decoded":  fmt.Sprintf("%d", dec.Count()),
				"expected": fmt.Sprintf("%d", meta.RecordCount),
			})
		}
		if meta.UncompressedSHA256 != "" && dec.UncompressedSHA256() != meta.UncompressedSHA256 {
			return 0, 0, archerrors.ErrChecksumMismatch.WithDetail("key", key)
		}
		if err := e.checkSchema(req.Target, meta, rows); err != nil {
			return 0, 0, err
		}
	}

	if req.DryRun {
		return int64(len(rows)), 0, nil
	}
	return e.bulkInsert(ctx, req.Target, rows)
}

// prepareRow 剥离保留字段并还原二进制列
func (e *Engine) prepareRow(record map[string]interface{}) (map[string]interface{}, error) {
	row := codec.StripReserved(record)
	for col, v := range row {
		decoded, err := codec.DecodeBinary(v)
		if err != nil {
			return nil, fmt.Errorf("decode column %s: %w", col, err)
		}
		row[col] = decoded
	}
	if e.SchemaStrategy == SchemaTransform && e.Transform != nil {
		row = e.Transform(row)
	}
	return row, nil
}

// checkSchema 归档时的列集合与当前目标列集合的一致性检查。
// strict 要求归档列全部在场, lenient 丢弃目标表已不存在的列。
func (e *Engine) checkSchema(t model.TableTarget, meta *model.MetadataRecord, rows []map[string]interface{}) error {
	if e.SchemaStrategy == SchemaNone || e.SchemaStrategy == SchemaTransform {
		return nil
	}
	live, err := e.liveColumns(t)
	if err != nil {
		return err
	}
	var missing []string
	for _, col := range meta.Columns {
		if _, ok := live[col.Name]; !ok {
			missing = append(missing, col.Name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if e.SchemaStrategy == SchemaStrict {
		return archerrors.ErrSchemaIncompatible.Copy().
			WithMessagef("columns %v archived from %s no longer exist", missing, t.Key())
	}
	for _, row := range rows {
		for _, col := range missing {
			delete(row, col)
		}
	}
	logger.Warn("dropping archived columns missing on live table",
		zap.String("table", t.Key()), zap.Strings("columns", missing))
	return nil
}

// tableRef gorm 语句使用的表引用 (schema.table)
func tableRef(t model.TableTarget) string {
	return t.Schema + "." + t.Table
}

func (e *Engine) liveColumns(t model.TableTarget) (map[string]struct{}, error) {
	types, err := e.DB.Migrator().ColumnTypes(tableRef(t))
	if err != nil {
		// 部分方言不接受带模式前缀的名字
		types, err = e.DB.Migrator().ColumnTypes(t.Table)
		if err != nil {
			return nil, fmt.Errorf("inspect live columns of %s: %w", t.Key(), err)
		}
	}
	live := make(map[string]struct{}, len(types))
	for _, c := range types {
		live[c.Name()] = struct{}{}
	}
	return live, nil
}

// bulkInsert 分块写入, 冲突按策略处理
func (e *Engine) bulkInsert(ctx context.Context, t model.TableTarget, rows []map[string]interface{}) (restored, skipped int64, err error) {
	size := e.BulkSize
	if size <= 0 {
		size = 50000
	}
	for offset := 0; offset < len(rows); offset += size {
		end := offset + size
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[offset:end]

		tx := e.DB.WithContext(ctx).Table(tableRef(t))
		switch e.ConflictStrategy {
		case ConflictSkip:
			tx = tx.Clauses(clause.OnConflict{DoNothing: true})
		case ConflictOverwrite, ConflictUpsert:
			tx = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: t.PrimaryKey}},
				UpdateAll: true,
			})
		}
		res := tx.Create(chunk)
		if res.Error != nil {
			return restored, skipped, fmt.Errorf("insert %d rows into %s: %w", len(chunk), t.Key(), res.Error)
		}
		restored += res.RowsAffected
		skipped += int64(len(chunk)) - res.RowsAffected
	}
	return restored, skipped, nil
}

func (e *Engine) record(ctx context.Context, kind string, t model.TableTarget, rows int64, msg string) {
	if e.Audit == nil {
		return
	}
	e.Audit.Record(ctx, model.AuditEvent{
		Kind:     kind,
		RunID:    e.RunID,
		Database: t.Database,
		Schema:   t.Schema,
		Table:    t.Table,
		Rows:     rows,
		Message:  msg,
	})
}
