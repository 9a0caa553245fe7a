// Package objstore 提供归档对象存储抽象与 S3 / 本地 / 内存三种后端。
package objstore

import (
	"fmt"
	"path"
	"time"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

// Keys 按统一布局生成对象键。全部键以配置前缀开头。
type Keys struct {
	Prefix string
}

// tablePrefix <prefix>/<db>/<schema>/<table>
func (k Keys) tablePrefix(t model.TableTarget) string {
	return path.Join(k.Prefix, t.Database, t.Schema, t.Table)
}

// datePartition year=YYYY/month=MM/day=DD
func datePartition(ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("year=%04d/month=%02d/day=%02d", ts.Year(), int(ts.Month()), ts.Day())
}

// Batch 批次数据对象键:
// <prefix>/<db>/<schema>/<table>/year=YYYY/month=MM/day=DD/<table>_YYYYMMDDTHHMMSSZ_batch_NNN.jsonl.gz
func (k Keys) Batch(t model.TableTarget, startedAt time.Time, ordinal int) string {
	startedAt = startedAt.UTC()
	name := fmt.Sprintf("%s_%s_batch_%03d.jsonl.gz",
		t.Table, startedAt.Format("20060102T150405Z"), ordinal)
	return path.Join(k.tablePrefix(t), datePartition(startedAt), name)
}

// BatchMetadata 批次元数据 sidecar 键
func (k Keys) BatchMetadata(batchKey string) string {
	return batchKey + "_metadata.json"
}

// BatchManifest 批次删除清单 sidecar 键
func (k Keys) BatchManifest(batchKey string) string {
	return batchKey + "_manifest.json"
}

// Watermark 表级水位线键
func (k Keys) Watermark(t model.TableTarget) string {
	return path.Join(k.tablePrefix(t), "_watermark.json")
}

// RestoreWatermark 表级恢复水位线键
func (k Keys) RestoreWatermark(t model.TableTarget) string {
	return path.Join(k.tablePrefix(t), "_restore_watermark.json")
}

// TableManifest 表级清单键
func (k Keys) TableManifest(t model.TableTarget) string {
	return path.Join(k.tablePrefix(t), "_manifest.json")
}

// Checkpoint 表级检查点键
func (k Keys) Checkpoint(t model.TableTarget) string {
	return path.Join(k.tablePrefix(t), "_checkpoint.json")
}

// TableDataPrefix 表数据对象的列举前缀 (恢复引擎使用)
func (k Keys) TableDataPrefix(t model.TableTarget) string {
	return k.tablePrefix(t) + "/"
}

// Audit 审计事件键: <prefix>/audit/year=YYYY/month=MM/day=DD/<unixnano>_<kind>.json
func (k Keys) Audit(kind string, at time.Time) string {
	at = at.UTC()
	return path.Join(k.Prefix, "audit", datePartition(at),
		fmt.Sprintf("%d_%s.json", at.UnixNano(), kind))
}

// RunSummary 运行汇总键: <prefix>/audit/year=YYYY/month=MM/day=DD/run_summary_<runID>.json
func (k Keys) RunSummary(runID string, startedAt time.Time) string {
	return path.Join(k.Prefix, "audit", datePartition(startedAt), "run_summary_"+runID+".json")
}
