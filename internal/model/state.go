package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// RunExecution 归档运行执行记录
type RunExecution struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RunID        string     `gorm:"column:run_id;type:varchar(64);not null;uniqueIndex"`
	JobName      string     `gorm:"column:job_name;type:varchar(100);not null"`
	Status       RunStatus  `gorm:"column:status;type:varchar(20);not null"`
	StartedAt    int64      `gorm:"column:started_at;not null"`
	FinishedAt   *int64     `gorm:"column:finished_at"`
	DurationMs   *int       `gorm:"column:duration_ms"`
	ExitCode     *int       `gorm:"column:exit_code"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
	Result       JSONResult `gorm:"column:result;type:jsonb"`
	CreatedAt    int64      `gorm:"column:created_at;not null"`
}

// TableName 表名
func (RunExecution) TableName() string {
	return "archiver_run_executions"
}

// JSONResult JSON 结果类型
type JSONResult map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONResult) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONResult) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// WatermarkRecord 水位线数据库镜像，对象存储副本为权威源
type WatermarkRecord struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Database       string `gorm:"column:database_name;type:varchar(128);not null;uniqueIndex:uk_watermark_table,priority:1"`
	SchemaName     string `gorm:"column:schema_name;type:varchar(128);not null;uniqueIndex:uk_watermark_table,priority:2"`
	TableName_     string `gorm:"column:table_name;type:varchar(128);not null;uniqueIndex:uk_watermark_table,priority:3"`
	LastTs         int64  `gorm:"column:last_ts_nanos;not null"`
	LastPK         string `gorm:"column:last_pk;type:varchar(256);not null"`
	CumulativeRows int64  `gorm:"column:cumulative_rows;not null"`
	ContentSHA256  string `gorm:"column:content_sha256;type:char(64);not null"`
	UpdatedAt      int64  `gorm:"column:updated_at;not null"`
}

// TableName 表名
func (WatermarkRecord) TableName() string {
	return "archiver_watermarks"
}

// AuditRecord 审计事件数据库镜像
type AuditRecord struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Kind       string `gorm:"column:kind;type:varchar(40);not null;index:idx_audit_kind"`
	RunID      string `gorm:"column:run_id;type:varchar(64);not null;index:idx_audit_run"`
	Database   string `gorm:"column:database_name;type:varchar(128)"`
	SchemaName string `gorm:"column:schema_name;type:varchar(128)"`
	TableName_ string `gorm:"column:table_name;type:varchar(128)"`
	Ordinal    int    `gorm:"column:batch_ordinal"`
	Rows       int64  `gorm:"column:row_count"`
	Bytes      int64  `gorm:"column:bytes"`
	ObjectKey  string `gorm:"column:object_key;type:varchar(512)"`
	ErrorCode  string `gorm:"column:error_code;type:varchar(64)"`
	Message    string `gorm:"column:message;type:text"`
	OccurAt    int64  `gorm:"column:occurred_at;not null;index:idx_audit_time"`
}

// TableName 表名
func (AuditRecord) TableName() string {
	return "archiver_audit_events"
}

// LegalHoldRecord 法律保留表
type LegalHoldRecord struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Database   string `gorm:"column:database_name;type:varchar(128);not null"`
	SchemaName string `gorm:"column:schema_name;type:varchar(128);not null"`
	TableName_ string `gorm:"column:table_name;type:varchar(128);not null;index:idx_hold_table"`
	Predicate  string `gorm:"column:predicate;type:text"`
	Reason     string `gorm:"column:reason;type:text"`
	PlacedAt   int64  `gorm:"column:placed_at;not null"`
	ExpiresAt  *int64 `gorm:"column:expires_at"`
}

// TableName 表名
func (LegalHoldRecord) TableName() string {
	return "archiver_legal_holds"
}

// StagedDeletionStatus 分级删除状态
type StagedDeletionStatus string

const (
	StagedPending StagedDeletionStatus = "pending"
	StagedDeleted StagedDeletionStatus = "deleted"
	StagedFailed  StagedDeletionStatus = "failed"
)

// StagedDeletion 分级删除模式下的待删除批次。
// 归档校验通过后登记，延迟期满由清除任务再次核验后删除。
type StagedDeletion struct {
	ID          int64                `gorm:"column:id;primaryKey;autoIncrement"`
	Fingerprint string               `gorm:"column:fingerprint;type:char(64);not null;uniqueIndex"`
	Database    string               `gorm:"column:database_name;type:varchar(128);not null"`
	SchemaName  string               `gorm:"column:schema_name;type:varchar(128);not null"`
	TableName_  string               `gorm:"column:table_name;type:varchar(128);not null;index:idx_staged_table"`
	ObjectKey   string               `gorm:"column:object_key;type:varchar(512);not null"`
	ManifestKey string               `gorm:"column:manifest_key;type:varchar(512);not null"`
	RecordCount int64                `gorm:"column:record_count;not null"`
	Status      StagedDeletionStatus `gorm:"column:status;type:varchar(20);not null;index:idx_staged_status"`
	EligibleAt  int64                `gorm:"column:eligible_at;not null"`
	DeletedAt   *int64               `gorm:"column:deleted_at"`
	CreatedAt   int64                `gorm:"column:created_at;not null"`
}

// TableName 表名
func (StagedDeletion) TableName() string {
	return "archiver_staged_deletions"
}
