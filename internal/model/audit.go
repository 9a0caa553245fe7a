package model

import "time"

// 审计事件类型
const (
	AuditArchiveStart        = "ARCHIVE_START"
	AuditArchiveBatchSuccess = "ARCHIVE_BATCH_SUCCESS"
	AuditArchiveSuccess      = "ARCHIVE_SUCCESS"
	AuditArchiveFailure      = "ARCHIVE_FAILURE"
	AuditSkipLegalHold       = "SKIP_LEGAL_HOLD"
	AuditRestoreStart        = "RESTORE_START"
	AuditRestoreSuccess      = "RESTORE_SUCCESS"
	AuditRestoreFailure      = "RESTORE_FAILURE"
	AuditError               = "ERROR"
)

// AuditEvent 不可变审计事件，写入对象存储审计前缀并镜像到审计表
type AuditEvent struct {
	Kind     string `json:"kind"`
	RunID    string `json:"run_id"`
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table,omitempty"`
	Ordinal  int    `json:"batch_ordinal,omitempty"`
	Rows     int64  `json:"row_count,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Key      string `json:"object_key,omitempty"`
	// IdempotentSkip 指纹已提交的重放批次
	IdempotentSkip bool      `json:"idempotent_skip,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Message        string    `json:"message,omitempty"`
	Host           string    `json:"host,omitempty"`
	OccurAt        time.Time `json:"occurred_at"`
}

// LegalHold 法律保留记录。命中保留的表或行不得删除。
type LegalHold struct {
	ID       int64  `json:"id"`
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	// Predicate 行级谓词 SQL 片段，空串表示整表保留
	Predicate string     `json:"predicate"`
	Reason    string     `json:"reason"`
	PlacedAt  time.Time  `json:"placed_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active 保留是否仍在生效
func (h LegalHold) Active(now time.Time) bool {
	return h.ExpiresAt == nil || h.ExpiresAt.After(now)
}

// Covers 保留是否覆盖目标表
func (h LegalHold) Covers(t TableTarget) bool {
	return h.Database == t.Database && h.Schema == t.Schema && h.Table == t.Table
}
