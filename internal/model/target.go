package model

import (
	"fmt"
	"time"
)

// TableTarget 标识一张待归档的源表。由配置装载，运行期间不可变。
type TableTarget struct {
	// Database 逻辑数据库名
	Database string
	// Schema 模式名
	Schema string
	// Table 表名
	Table string
	// TimestampColumn 单调时间戳列
	TimestampColumn string
	// PrimaryKey 单列唯一主键
	PrimaryKey string
	// RetentionDays 保留天数，截止时间 = server_now() - RetentionDays
	RetentionDays int
	// Classification 数据分类标签 (用于保留期边界)
	Classification string
	// Critical 关键表标记，要求存储端加密
	Critical bool
	// BatchSize 初始批次大小，0 使用全局默认
	BatchSize int
	// SchemaHash 上次运行的规范化模式哈希 (漂移检测)
	SchemaHash string
	// MaxBatchesPerRun 单次运行批次上限，0 不限制
	MaxBatchesPerRun int
	// VacuumStrategy 归档后回收策略: none / analyze / standard / full
	VacuumStrategy string
}

// Key 表的唯一标识 (database/schema/table)
func (t TableTarget) Key() string {
	return fmt.Sprintf("%s/%s/%s", t.Database, t.Schema, t.Table)
}

// Qualified 带引号的限定表名
func (t TableTarget) Qualified() string {
	return fmt.Sprintf("%q.%q", t.Schema, t.Table)
}

// CutoffFor 按服务器时间计算截止时间。只有 ts < cutoff 的行可归档 (严格小于)。
func (t TableTarget) CutoffFor(serverNow time.Time) time.Time {
	return serverNow.AddDate(0, 0, -t.RetentionDays)
}

// Vacuum 策略常量
const (
	VacuumNone     = "none"
	VacuumAnalyze  = "analyze"
	VacuumStandard = "standard"
	VacuumFull     = "full"
)
