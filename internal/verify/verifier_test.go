package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-archiver/internal/codec"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
)

var target = model.TableTarget{
	Database: "trading", Schema: "public", Table: "orders_audit",
	TimestampColumn: "created_at", PrimaryKey: "id",
}

// uploadBatch 编码并上传一个批次, 返回工件与主键集合
func uploadBatch(t *testing.T, store objstore.Store, n int) (model.BatchArtifact, []string) {
	t.Helper()
	plan := model.BatchPlan{Target: target, Fingerprint: "fp-test", Ordinal: 1}
	enc, err := codec.NewEncoder(plan, 6, time.Now())
	require.NoError(t, err)

	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		require.NoError(t, enc.WriteRow(model.Row{Values: map[string]interface{}{
			"id": int64(i), "created_at": time.Now().UTC(), "note": "x",
		}}))
		keys = append(keys, model.PKString(int64(i)))
	}
	res, err := enc.Close()
	require.NoError(t, err)

	key := "archive/test/batch.jsonl.gz"
	_, err = store.Put(context.Background(), key, res.Compressed, objstore.PutOptions{})
	require.NoError(t, err)

	return model.BatchArtifact{
		Key:                key,
		RecordCount:        res.RecordCount,
		CompressedBytes:    res.CompressedBytes,
		UncompressedBytes:  res.UncompressedBytes,
		UncompressedSHA256: res.UncompressedSHA256,
		CompressedSHA256:   res.CompressedSHA256,
	}, keys
}

func TestVerifyUploadPasses(t *testing.T) {
	store := objstore.NewMemoryStore()
	artifact, keys := uploadBatch(t, store, 20)

	v := NewVerifier(store)
	assert.NoError(t, v.VerifyUpload(context.Background(), target, artifact, keys))
}

func TestVerifyUploadDetectsCountMismatch(t *testing.T) {
	store := objstore.NewMemoryStore()
	artifact, keys := uploadBatch(t, store, 20)
	artifact.RecordCount = 19

	v := NewVerifier(store)
	err := v.VerifyUpload(context.Background(), target, artifact, keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, archerrors.ErrCountMismatch)
	assert.Equal(t, archerrors.ClassBatchPermanent, archerrors.ClassOf(err))
}

func TestVerifyUploadDetectsChecksumMismatch(t *testing.T) {
	store := objstore.NewMemoryStore()
	artifact, keys := uploadBatch(t, store, 20)
	artifact.UncompressedSHA256 = "deadbeef"

	v := NewVerifier(store)
	err := v.VerifyUpload(context.Background(), target, artifact, keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, archerrors.ErrChecksumMismatch)
}

func TestVerifyUploadDetectsKeySetMismatch(t *testing.T) {
	store := objstore.NewMemoryStore()
	artifact, keys := uploadBatch(t, store, 20)
	// 抓取集合声称包含对象中不存在的键
	keys[5] = "999"

	v := NewVerifier(store)
	err := v.VerifyUpload(context.Background(), target, artifact, keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, archerrors.ErrKeySetMismatch)
}

func TestVerifyUploadDetectsTruncatedObject(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	artifact, keys := uploadBatch(t, store, 20)

	// 截断对象模拟不完整上传
	data, _, err := store.Get(ctx, artifact.Key)
	require.NoError(t, err)
	_, err = store.Put(ctx, artifact.Key, data[:len(data)/2], objstore.PutOptions{})
	require.NoError(t, err)

	v := NewVerifier(store)
	assert.Error(t, v.VerifyUpload(ctx, target, artifact, keys))
}

func TestVerifyDeleteCount(t *testing.T) {
	assert.NoError(t, VerifyDeleteCount(target, 100, 100))
	err := VerifyDeleteCount(target, 100, 99)
	require.Error(t, err)
	assert.ErrorIs(t, err, archerrors.ErrDeleteMismatch)
}

func TestVerifyResidual(t *testing.T) {
	assert.NoError(t, VerifyResidual(target, 0))
	assert.ErrorIs(t, VerifyResidual(target, 3), archerrors.ErrResidualRows)
}

func TestSampleSize(t *testing.T) {
	assert.Equal(t, 0, SampleSize(0, 1000))
	assert.Equal(t, 5, SampleSize(5, 1000))   // 样本不超过批次本身
	assert.Equal(t, 10, SampleSize(500, 1000)) // 下限 10
	assert.Equal(t, 100, SampleSize(10000, 1000))
	assert.Equal(t, 1000, SampleSize(500000, 1000)) // 上限 1000
}

func TestSampleKeys(t *testing.T) {
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = model.PKString(i)
	}
	sample := SampleKeys(keys, 10)
	assert.Len(t, sample, 10)
	assert.Equal(t, "0", sample[0])

	assert.Len(t, SampleKeys(keys, 200), 100)
}
