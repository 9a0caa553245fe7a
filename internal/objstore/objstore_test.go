package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/retry"
)

var testTarget = model.TableTarget{
	Database: "trading",
	Schema:   "public",
	Table:    "orders_audit",
}

func TestKeyLayout(t *testing.T) {
	k := Keys{Prefix: "archive"}
	startedAt := time.Date(2026, 3, 5, 14, 30, 15, 0, time.UTC)

	batch := k.Batch(testTarget, startedAt, 7)
	assert.Equal(t,
		"archive/trading/public/orders_audit/year=2026/month=03/day=05/orders_audit_20260305T143015Z_batch_007.jsonl.gz",
		batch)

	assert.Equal(t, batch+"_metadata.json", k.BatchMetadata(batch))
	assert.Equal(t, batch+"_manifest.json", k.BatchManifest(batch))
	assert.Equal(t, "archive/trading/public/orders_audit/_watermark.json", k.Watermark(testTarget))
	assert.Equal(t, "archive/trading/public/orders_audit/_manifest.json", k.TableManifest(testTarget))
	assert.Equal(t, "archive/trading/public/orders_audit/_checkpoint.json", k.Checkpoint(testTarget))
}

func TestKeyLayoutUsesUTC(t *testing.T) {
	k := Keys{Prefix: "archive"}
	// 东八区 01:30 应落入 UTC 前一天的分区
	local := time.Date(2026, 3, 5, 1, 30, 0, 0, time.FixedZone("CST", 8*3600))
	batch := k.Batch(testTarget, local, 1)
	assert.Contains(t, batch, "year=2026/month=03/day=04")
	assert.Contains(t, batch, "20260304T173000Z")
}

func TestMemoryStoreConditionalPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	res, err := store.Put(ctx, "a/b", []byte("v1"), PutOptions{IfNoneMatch: true})
	require.NoError(t, err)

	// 已存在时 IfNoneMatch 必须失败
	_, err = store.Put(ctx, "a/b", []byte("v2"), PutOptions{IfNoneMatch: true})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// ETag 匹配时条件写成功
	res2, err := store.Put(ctx, "a/b", []byte("v2"), PutOptions{IfMatch: res.ETag})
	require.NoError(t, err)

	// 过期 ETag 条件写失败
	_, err = store.Put(ctx, "a/b", []byte("v3"), PutOptions{IfMatch: res.ETag})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	data, info, err := store.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, res2.ETag, info.ETag)
}

func TestMemoryStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"p/1", "p/2", "q/1"} {
		_, err := store.Put(ctx, key, []byte(key), PutOptions{})
		require.NoError(t, err)
	}

	objs, err := store.List(ctx, "p/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "p/1", objs[0].Key)

	require.NoError(t, store.Delete(ctx, "p/1"))
	require.NoError(t, store.Delete(ctx, "p/1")) // 幂等
	_, err = store.Head(ctx, "p/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(ctx, "trading/public/t/obj.json", []byte(`{"a":1}`), PutOptions{})
	require.NoError(t, err)

	data, info, err := store.Get(ctx, "trading/public/t/obj.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)
	assert.Equal(t, int64(7), info.Size)

	objs, err := store.List(ctx, "trading/")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	_, err = store.Put(ctx, "trading/public/t/obj.json", []byte("x"), PutOptions{IfNoneMatch: true})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestUploaderMultipartThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var states []model.MultipartUploadState
	up := NewUploader(store, 16, 8, retry.Policy{MaxAttempts: 1})
	up.StateSink = func(ctx context.Context, s model.MultipartUploadState) error {
		states = append(states, s)
		return nil
	}

	// 阈值内整体上传
	_, err := up.Upload(ctx, "small", []byte("0123456789"), PutOptions{})
	require.NoError(t, err)
	assert.Empty(t, states)

	// 超阈值分片上传, 17 字节按 8 字节分片为 3 片
	payload := []byte("0123456789abcdefg")
	_, err = up.Upload(ctx, "large", payload, PutOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, states)
	assert.Len(t, states[len(states)-1].Parts, 3)

	// 每个分片先以无 ETag 的意图状态落盘, 完成后补上 ETag
	require.Len(t, states, 7)
	assert.Empty(t, states[0].Parts)
	assert.Empty(t, states[1].Parts[0].ETag)
	assert.NotEmpty(t, states[2].Parts[0].ETag)

	data, _, err := store.Get(ctx, "large")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// 完成后无遗留分片上传
	pending, err := store.ListMultipart(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSpoolDrain(t *testing.T) {
	ctx := context.Background()
	spool, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, spool.Put(ctx, "a/1", []byte("one")))
	require.NoError(t, spool.Put(ctx, "a/2", []byte("two")))

	pending, err := spool.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	target := NewMemoryStore()
	drained, err := spool.Drain(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 2, drained)

	data, _, err := target.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	pending, err = spool.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}
