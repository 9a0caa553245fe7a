package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetadataRecord 随数据对象写入的批次元数据 sidecar
type MetadataRecord struct {
	SchemaVersion string `json:"schema_version"`
	Database      string `json:"database"`
	Schema        string `json:"schema"`
	Table         string `json:"table"`
	BatchOrdinal  int    `json:"batch_ordinal"`
	Fingerprint   string `json:"batch_fingerprint"`

	ArchivedAt time.Time `json:"archived_at"`
	MinTs      time.Time `json:"min_row_timestamp"`
	MaxTs      time.Time `json:"max_row_timestamp"`

	RecordCount        int64  `json:"record_count"`
	UncompressedBytes  int64  `json:"uncompressed_bytes"`
	CompressedBytes    int64  `json:"compressed_bytes"`
	UncompressedSHA256 string `json:"uncompressed_sha256"`
	Compression        string `json:"compression"`
	CompressionLevel   int    `json:"compression_level"`

	Columns         []ColumnInfo `json:"columns"`
	PrimaryKey      string       `json:"primary_key_column"`
	TimestampColumn string       `json:"timestamp_column"`
	// TimestampColumnType 源列原始类型 (无时区列归一化为 UTC 时记录)
	TimestampColumnType string      `json:"timestamp_column_type"`
	Indexes             []IndexInfo `json:"indexes"`

	ServerVersion   string `json:"source_server_version"`
	ArchiverVersion string `json:"archiver_version"`
	// ManifestKey 同批次删除清单的对象键
	ManifestKey  string `json:"deletion_manifest_key"`
	StorageClass string `json:"storage_class,omitempty"`
	SSEOption    string `json:"sse_option,omitempty"`
}

// DeletionManifest 批次删除清单，在源库删除提交前写入对象存储
type DeletionManifest struct {
	Fingerprint string    `json:"batch_fingerprint"`
	Database    string    `json:"database"`
	Schema      string    `json:"schema"`
	Table       string    `json:"table"`
	DeletedAt   time.Time `json:"deleted_at"`
	// PrimaryKeys 按抓取顺序的主键列表
	PrimaryKeys []string `json:"primary_keys"`
	// KeySetSHA256 排序后主键列表的哈希
	KeySetSHA256 string `json:"key_set_sha256"`
	// StatementDigest 参数化删除语句 + 排序主键列表的哈希
	StatementDigest string `json:"delete_statement_digest"`
	CommittedRows   int64  `json:"committed_row_count"`
}

// KeySetHash 计算排序后主键集合的 SHA-256
func KeySetHash(keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// StatementDigest 删除语句摘要: 参数化 SQL 文本 + 排序主键列表
func StatementDigest(parameterizedSQL string, keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(parameterizedSQL + "\x00" + strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// ManifestEntry 表清单中的一条提交记录
type ManifestEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Key         string    `json:"key"`
	Ordinal     int       `json:"ordinal"`
	RecordCount int64     `json:"record_count"`
	MaxTs       time.Time `json:"max_ts"`
	MaxPK       string    `json:"max_pk"`
	CommittedAt time.Time `json:"committed_at"`
}

// TableManifest 每表只追加的已提交批次索引。
// 指纹在场 ⇒ 批次已提交；同一指纹至多出现一次。
type TableManifest struct {
	Database  string          `json:"database"`
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	Entries   []ManifestEntry `json:"entries"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Find 按指纹查找条目
func (m *TableManifest) Find(fingerprint string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.Fingerprint == fingerprint {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// Append 追加条目，重复指纹被忽略
func (m *TableManifest) Append(e ManifestEntry) bool {
	if _, ok := m.Find(e.Fingerprint); ok {
		return false
	}
	m.Entries = append(m.Entries, e)
	return true
}

// Merge 合并另一份清单 (条件写冲突后的 read-merge-write)
func (m *TableManifest) Merge(other *TableManifest) {
	for _, e := range other.Entries {
		m.Append(e)
	}
}

// Watermark 每 (database, table) 的归档进度游标。
// (last_ts, last_pk) 字典序单调不减，仅在批次提交后推进。
type Watermark struct {
	Database       string    `json:"database"`
	Schema         string    `json:"schema"`
	Table          string    `json:"table"`
	LastTs         time.Time `json:"last_timestamp"`
	LastPK         string    `json:"last_primary_key"`
	CumulativeRows int64     `json:"cumulative_rows"`
	ContentSHA256  string    `json:"content_sha256"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Cursor 转换为游标
func (w *Watermark) Cursor() Cursor {
	return Cursor{Ts: w.LastTs, PK: w.LastPK}
}

// ComputeHash 计算完整性哈希 (不含 ContentSHA256 与 UpdatedAt 自身)
func (w *Watermark) ComputeHash() string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		w.Database, w.Schema, w.Table,
		w.LastTs.UTC().Format(time.RFC3339Nano), w.LastPK, w.CumulativeRows)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Seal 填充完整性哈希
func (w *Watermark) Seal() {
	w.ContentSHA256 = w.ComputeHash()
}

// VerifyIntegrity 装载时校验完整性
func (w *Watermark) VerifyIntegrity() bool {
	return w.ContentSHA256 == "" || w.ContentSHA256 == w.ComputeHash()
}

// RestoreWatermark 每表的恢复进度。批次对象键按字典序恢复，
// 不大于 LastKey 的批次视为已恢复，重复执行同一恢复不会二次写入。
type RestoreWatermark struct {
	Database         string    `json:"database"`
	Schema           string    `json:"schema"`
	Table            string    `json:"table"`
	LastKey          string    `json:"last_restored_key"`
	ArchivesRestored int64     `json:"total_archives_restored"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PartState 分片上传中单个分片的状态
type PartState struct {
	Number int    `json:"number"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
}

// MultipartUploadState 进行中的分片上传状态，分片开始前持久化
type MultipartUploadState struct {
	Key      string      `json:"key"`
	UploadID string      `json:"upload_id"`
	Parts    []PartState `json:"parts"`
}

// Checkpoint 崩溃恢复用的运行中状态，每 N 个批次持久化一次，正常结束时清除
type Checkpoint struct {
	RunID        string                 `json:"run_id"`
	Database     string                 `json:"database"`
	Schema       string                 `json:"schema"`
	Table        string                 `json:"table"`
	BatchOrdinal int                    `json:"batch_ordinal"`
	Watermark    Watermark              `json:"watermark"`
	Fingerprints []string               `json:"completed_fingerprints"`
	Multipart    []MultipartUploadState `json:"multipart_uploads,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}
