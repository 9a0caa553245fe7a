package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Row 一行源数据。Columns 保留查询返回顺序，Values 按列名索引。
type Row struct {
	Columns []string
	Values  map[string]interface{}
}

// BatchPlan 一个批次的全部输入
type BatchPlan struct {
	Target  TableTarget
	Cutoff  time.Time
	Lo      Cursor
	Limit   int
	Ordinal int
	// Fingerprint 批次指纹，幂等性的关键
	Fingerprint string
	// StartedAt 批次开始时间 (对象键的时间段)
	StartedAt time.Time
	// HoldPredicates 行级法律保留谓词，命中的行不抓取。
	// 谓词在场时水位线不推进，保留解除后的运行会重新扫描。
	HoldPredicates []string
}

// ComputeFingerprint 计算批次指纹: 相同输入必然得到相同指纹。
// 输入: db|schema|table|cutoff|lo_ts|lo_pk|ordinal
func ComputeFingerprint(t TableTarget, cutoff time.Time, lo Cursor, ordinal int) string {
	loTs := ""
	if !lo.Ts.IsZero() {
		loTs = lo.Ts.UTC().Format(time.RFC3339Nano)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		t.Database, t.Schema, t.Table,
		cutoff.UTC().Format(time.RFC3339Nano),
		loTs, lo.PK, ordinal,
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// BatchArtifact 已上传批次的描述，不可变，由 TableManifest 引用
type BatchArtifact struct {
	Key                string    `json:"key"`
	UncompressedBytes  int64     `json:"uncompressed_bytes"`
	CompressedBytes    int64     `json:"compressed_bytes"`
	UncompressedSHA256 string    `json:"uncompressed_sha256"`
	CompressedSHA256   string    `json:"compressed_sha256"`
	RecordCount        int64     `json:"record_count"`
	MinTs              time.Time `json:"min_ts"`
	MaxTs              time.Time `json:"max_ts"`
	MinPK              string    `json:"min_pk"`
	MaxPK              string    `json:"max_pk"`
}

// BatchResult 单批次执行结果
type BatchResult struct {
	Plan     BatchPlan
	Artifact BatchArtifact
	// Deleted 实际删除行数
	Deleted int64
	// IdempotentSkip 指纹已在清单中，跳过执行
	IdempotentSkip bool
	// Drained 源表已无可归档行
	Drained bool
	// StagedOnly 分级删除模式: 本批次未执行删除
	StagedOnly bool
	// Spooled 对象落入本地兜底, 源行保留到回放完成
	Spooled bool
	// Next 下一批次的游标
	Next Cursor
	// PrimaryKeys 本批次主键 (抽样校验用)
	PrimaryKeys []string
	Durations   PhaseDurations
}

// PhaseDurations 各阶段耗时
type PhaseDurations struct {
	Fetch     time.Duration
	Serialize time.Duration
	Upload    time.Duration
	Verify    time.Duration
	Delete    time.Duration
	Commit    time.Duration
}
