package codec

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"strings"
)

// maxLineBytes 单行上限，宽行表也不应超过
const maxLineBytes = 16 << 20

// Decoder 流式解码 gzip 压缩的 JSONL 归档对象
type Decoder struct {
	gz      *gzip.Reader
	scanner *bufio.Scanner
	rawHash hash.Hash
	count   int64
}

// NewDecoder 创建解码器，r 为压缩对象内容
func NewDecoder(r io.Reader) (*Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	d := &Decoder{gz: gz, rawHash: sha256.New()}
	d.scanner = bufio.NewScanner(io.TeeReader(gz, &hashLineWriter{d}))
	d.scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	return d, nil
}

type hashLineWriter struct{ d *Decoder }

func (w *hashLineWriter) Write(p []byte) (int, error) {
	w.d.rawHash.Write(p)
	return len(p), nil
}

// Next 解码下一行。io.EOF 表示对象读完。
func (d *Decoder) Next() (map[string]interface{}, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := d.scanner.Bytes()
	record := make(map[string]interface{})
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, fmt.Errorf("decode line %d: %w", d.count+1, err)
	}
	d.count++
	return record, nil
}

// Count 已解码行数
func (d *Decoder) Count() int64 {
	return d.count
}

// UncompressedSHA256 已读内容的未压缩哈希，对象读完后与元数据比对
func (d *Decoder) UncompressedSHA256() string {
	return hex.EncodeToString(d.rawHash.Sum(nil))
}

// Close 关闭底层 gzip 读取器
func (d *Decoder) Close() error {
	return d.gz.Close()
}

// StripReserved 剥离保留字段，返回原始行内容。原 map 被原地修改。
func StripReserved(record map[string]interface{}) map[string]interface{} {
	delete(record, FieldArchivedAt)
	delete(record, FieldBatchID)
	delete(record, FieldSourceDatabase)
	delete(record, FieldSourceTable)
	return record
}

// DecodeBinary 还原二进制列编码。非二进制前缀的值原样返回。
func DecodeBinary(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, BinaryPrefix) {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, BinaryPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode binary column: %w", err)
	}
	return raw, nil
}
