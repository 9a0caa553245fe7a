// Package codec 实现批次数据的 JSONL + gzip 编解码。
// 行内保留字段以下划线开头，恢复时剥离。
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

// 序列化保留字段
const (
	FieldArchivedAt     = "_archived_at"
	FieldBatchID        = "_batch_id"
	FieldSourceDatabase = "_source_database"
	FieldSourceTable    = "_source_table"
)

// BinaryPrefix 二进制列编码前缀
const BinaryPrefix = "base64:"

// EncodeResult 编码完成后的统计
type EncodeResult struct {
	Compressed         []byte
	RecordCount        int64
	UncompressedBytes  int64
	CompressedBytes    int64
	UncompressedSHA256 string
	CompressedSHA256   string
}

// Encoder 将行流编码为 gzip 压缩的 JSONL。
// 压缩前后各维护一条滚动 SHA-256，供三方校验使用。
type Encoder struct {
	plan model.BatchPlan

	buf      bytes.Buffer
	gz       *gzip.Writer
	rawHash  hash.Hash
	compHash hash.Hash

	archivedAt time.Time
	rawBytes   int64
	count      int64
	closed     bool
}

// NewEncoder 创建批次编码器。level 为 gzip 压缩级别 [1, 9]。
func NewEncoder(plan model.BatchPlan, level int, archivedAt time.Time) (*Encoder, error) {
	e := &Encoder{
		plan:       plan,
		rawHash:    sha256.New(),
		compHash:   sha256.New(),
		archivedAt: archivedAt.UTC(),
	}
	gz, err := gzip.NewWriterLevel(io.MultiWriter(&e.buf, e.compHash), level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	e.gz = gz
	return e, nil
}

// WriteRow 编码一行。列值按保留字段 + 列名字典序输出，编码确定性。
func (e *Encoder) WriteRow(row model.Row) error {
	if e.closed {
		return fmt.Errorf("encoder already closed")
	}
	out := make(map[string]interface{}, len(row.Values)+4)
	for name, v := range row.Values {
		out[name] = NormalizeValue(v)
	}
	out[FieldArchivedAt] = e.archivedAt.Format(time.RFC3339)
	out[FieldBatchID] = e.plan.Fingerprint
	out[FieldSourceDatabase] = e.plan.Target.Database
	out[FieldSourceTable] = e.plan.Target.Schema + "." + e.plan.Target.Table

	// json.Marshal 对 map 键排序，输出确定
	line, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	line = append(line, '\n')

	e.rawHash.Write(line)
	e.rawBytes += int64(len(line))
	if _, err := e.gz.Write(line); err != nil {
		return fmt.Errorf("compress row: %w", err)
	}
	e.count++
	return nil
}

// Close 结束编码并返回统计。Close 后编码器不可复用。
func (e *Encoder) Close() (*EncodeResult, error) {
	if e.closed {
		return nil, fmt.Errorf("encoder already closed")
	}
	e.closed = true
	if err := e.gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return &EncodeResult{
		Compressed:         e.buf.Bytes(),
		RecordCount:        e.count,
		UncompressedBytes:  e.rawBytes,
		CompressedBytes:    int64(e.buf.Len()),
		UncompressedSHA256: hex.EncodeToString(e.rawHash.Sum(nil)),
		CompressedSHA256:   hex.EncodeToString(e.compHash.Sum(nil)),
	}, nil
}

// Count 已编码行数
func (e *Encoder) Count() int64 {
	return e.count
}

// RawBytes 已编码的未压缩字节数，自适应批次的内存上限据此估算
func (e *Encoder) RawBytes() int64 {
	return e.rawBytes
}

// NormalizeValue 将驱动返回值规范化为可无损 JSON 表达的类型。
// NUMERIC 以字符串保留精度，二进制列加前缀 base64 编码，
// 无时区时间戳视为 UTC 并带 Z 后缀输出。
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return BinaryPrefix + base64.StdEncoding.EncodeToString(val)
	case decimal.Decimal:
		return val.String()
	case *decimal.Decimal:
		if val == nil {
			return nil
		}
		return val.String()
	case decimal.NullDecimal:
		if !val.Valid {
			return nil
		}
		return val.Decimal.String()
	default:
		return v
	}
}
