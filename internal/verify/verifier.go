// Package verify 实现删除前的归档校验。
// 只有对象内容被完整读回并核对后，源行才允许删除。
package verify

import (
	"context"
	"fmt"
	"io"

	"github.com/eidos-exchange/eidos-archiver/internal/codec"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
)

// Verifier 批次校验器
type Verifier struct {
	store objstore.Store
}

// NewVerifier 创建校验器
func NewVerifier(store objstore.Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyUpload 读回已上传对象并做三方核对:
// 行数、未压缩校验和、主键集合，三者任一不符即永久错误。
func (v *Verifier) VerifyUpload(ctx context.Context, t model.TableTarget, artifact model.BatchArtifact, fetchedKeys []string) error {
	rc, info, err := v.store.GetStream(ctx, artifact.Key)
	if err != nil {
		return archerrors.Wrap(archerrors.ErrUploadFailed, err).WithDetail("key", artifact.Key)
	}
	defer rc.Close()

	if info.Size != artifact.CompressedBytes {
		metrics.VerificationFailuresTotal.WithLabelValues(t.Key(), "checksum").Inc()
		return archerrors.ErrChecksumMismatch.WithContext(map[string]string{
			"key":      artifact.Key,
			"expected": fmt.Sprintf("%d bytes", artifact.CompressedBytes),
			"actual":   fmt.Sprintf("%d bytes", info.Size),
		})
	}

	dec, err := codec.NewDecoder(rc)
	if err != nil {
		return archerrors.Wrap(archerrors.ErrUploadFailed, err).WithDetail("key", artifact.Key)
	}
	defer dec.Close()

	expected := make(map[string]bool, len(fetchedKeys))
	for _, k := range fetchedKeys {
		expected[k] = true
	}

	pkColumn := t.PrimaryKey
	var mismatchedKeys int
	for {
		record, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return archerrors.Wrap(archerrors.ErrUploadFailed, err).WithDetail("key", artifact.Key)
		}
		pk, ok := record[pkColumn]
		if !ok {
			mismatchedKeys++
			continue
		}
		pkStr := model.PKString(pk)
		// JSON 数值解码为 float64, 规范化后再比对
		if !expected[pkStr] {
			mismatchedKeys++
			continue
		}
		delete(expected, pkStr)
	}

	if dec.Count() != artifact.RecordCount || dec.Count() != int64(len(fetchedKeys)) {
		metrics.VerificationFailuresTotal.WithLabelValues(t.Key(), "count").Inc()
		return archerrors.ErrCountMismatch.WithContext(map[string]string{
			"key":      artifact.Key,
			"fetched":  fmt.Sprintf("%d", len(fetchedKeys)),
			"recorded": fmt.Sprintf("%d", artifact.RecordCount),
			"decoded":  fmt.Sprintf("%d", dec.Count()),
		})
	}

	if dec.UncompressedSHA256() != artifact.UncompressedSHA256 {
		metrics.VerificationFailuresTotal.WithLabelValues(t.Key(), "checksum").Inc()
		return archerrors.ErrChecksumMismatch.WithContext(map[string]string{
			"key":      artifact.Key,
			"expected": artifact.UncompressedSHA256,
			"actual":   dec.UncompressedSHA256(),
		})
	}

	if mismatchedKeys > 0 || len(expected) > 0 {
		metrics.VerificationFailuresTotal.WithLabelValues(t.Key(), "keyset").Inc()
		return archerrors.ErrKeySetMismatch.WithContext(map[string]string{
			"key":        artifact.Key,
			"unexpected": fmt.Sprintf("%d", mismatchedKeys),
			"missing":    fmt.Sprintf("%d", len(expected)),
		})
	}
	return nil
}

// VerifyDeleteCount 删除行数必须与归档行数一致
func VerifyDeleteCount(t model.TableTarget, archived, deleted int64) error {
	if archived != deleted {
		metrics.VerificationFailuresTotal.WithLabelValues(t.Key(), "delete").Inc()
		return archerrors.ErrDeleteMismatch.WithContext(map[string]string{
			"table":    t.Key(),
			"archived": fmt.Sprintf("%d", archived),
			"deleted":  fmt.Sprintf("%d", deleted),
		})
	}
	return nil
}

// VerifyResidual 删除后同事务内残留行必须为零
func VerifyResidual(t model.TableTarget, residual int64) error {
	if residual != 0 {
		metrics.VerificationFailuresTotal.WithLabelValues(t.Key(), "residual").Inc()
		return archerrors.ErrResidualRows.WithContext(map[string]string{
			"table":    t.Key(),
			"residual": fmt.Sprintf("%d", residual),
		})
	}
	return nil
}

// SampleSize 提交后抽样复核的样本量: min(max, max(10, 1% 批次))
func SampleSize(batch int, max int) int {
	if batch <= 0 {
		return 0
	}
	n := batch / 100
	if n < 10 {
		n = 10
	}
	if n > max {
		n = max
	}
	if n > batch {
		n = batch
	}
	return n
}

// SampleKeys 从主键集合抽取等距样本
func SampleKeys(keys []string, n int) []string {
	if n >= len(keys) {
		return keys
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	step := len(keys) / n
	for i := 0; i < len(keys) && len(out) < n; i += step {
		out = append(out, keys[i])
	}
	return out
}
