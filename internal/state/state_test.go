package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
)

var testTarget = model.TableTarget{
	Database: "trading", Schema: "public", Table: "orders_audit",
	TimestampColumn: "created_at", PrimaryKey: "id",
}

func newFixtures() (*objstore.MemoryStore, objstore.Keys) {
	return objstore.NewMemoryStore(), objstore.Keys{Prefix: "archive"}
}

func TestWatermarkLoadEmpty(t *testing.T) {
	store, keys := newFixtures()
	ws := NewWatermarkStore(store, keys, nil)

	w, err := ws.Load(context.Background(), testTarget)
	require.NoError(t, err)
	assert.True(t, w.Cursor().Zero())
	assert.Equal(t, "trading", w.Database)
}

func TestWatermarkAdvanceAndReload(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	ws := NewWatermarkStore(store, keys, nil)

	w := &model.Watermark{
		Database: "trading", Schema: "public", Table: "orders_audit",
		LastTs: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		LastPK: "100", CumulativeRows: 100,
	}
	require.NoError(t, ws.Advance(ctx, testTarget, w))

	reloaded, err := NewWatermarkStore(store, keys, nil).Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Equal(t, "100", reloaded.LastPK)
	assert.Equal(t, int64(100), reloaded.CumulativeRows)
	assert.True(t, reloaded.VerifyIntegrity())
}

func TestWatermarkRejectsRegression(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	ws := NewWatermarkStore(store, keys, nil)

	w := &model.Watermark{
		Database: "trading", Schema: "public", Table: "orders_audit",
		LastTs: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), LastPK: "100",
	}
	require.NoError(t, ws.Advance(ctx, testTarget, w))

	back := &model.Watermark{
		Database: "trading", Schema: "public", Table: "orders_audit",
		LastTs: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), LastPK: "50",
	}
	assert.Error(t, ws.Advance(ctx, testTarget, back))
}

func TestWatermarkRejectsTampering(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	ws := NewWatermarkStore(store, keys, nil)

	w := &model.Watermark{
		Database: "trading", Schema: "public", Table: "orders_audit",
		LastTs: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), LastPK: "100",
	}
	require.NoError(t, ws.Advance(ctx, testTarget, w))

	// 篡改对象内容, 完整性校验必须失败
	_, err := store.Put(ctx, keys.Watermark(testTarget),
		[]byte(`{"database":"trading","schema":"public","table":"orders_audit","last_primary_key":"999","content_sha256":"bogus"}`),
		objstore.PutOptions{})
	require.NoError(t, err)

	_, err = NewWatermarkStore(store, keys, nil).Load(ctx, testTarget)
	assert.Error(t, err)
}

func TestWatermarkConcurrentTables(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	ws := NewWatermarkStore(store, keys, nil)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// 一次运行中多张表并发推进各自的水位线, 共享同一个存储实例
	const tables, steps = 8, 20
	errs := make(chan error, tables)
	var wg sync.WaitGroup
	for i := 0; i < tables; i++ {
		tbl := model.TableTarget{
			Database: "trading", Schema: "public", Table: fmt.Sprintf("audit_%d", i),
			TimestampColumn: "created_at", PrimaryKey: "id",
		}
		wg.Add(1)
		go func(tbl model.TableTarget) {
			defer wg.Done()
			for n := 1; n <= steps; n++ {
				w, err := ws.Load(ctx, tbl)
				if err != nil {
					errs <- err
					return
				}
				w.LastTs = base.Add(time.Duration(n) * time.Minute)
				w.LastPK = fmt.Sprintf("%d", n)
				w.CumulativeRows++
				if err := ws.Advance(ctx, tbl, w); err != nil {
					errs <- err
					return
				}
			}
		}(tbl)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < tables; i++ {
		tbl := model.TableTarget{Database: "trading", Schema: "public", Table: fmt.Sprintf("audit_%d", i)}
		w, err := ws.Load(ctx, tbl)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", steps), w.LastPK)
		assert.Equal(t, int64(steps), w.CumulativeRows)
	}
}

func TestRestoreWatermarkAdvance(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	rs := NewRestoreWatermarkStore(store, keys)

	w, err := rs.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Empty(t, w.LastKey)

	require.NoError(t, rs.Advance(ctx, testTarget, "archive/t/batch_001.jsonl.gz"))
	require.NoError(t, rs.Advance(ctx, testTarget, "archive/t/batch_002.jsonl.gz"))

	w, err = rs.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Equal(t, "archive/t/batch_002.jsonl.gz", w.LastKey)
	assert.Equal(t, int64(2), w.ArchivesRestored)

	// 乱序恢复的旧批次不回退水位线
	require.NoError(t, rs.Advance(ctx, testTarget, "archive/t/batch_000.jsonl.gz"))
	w, err = rs.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Equal(t, "archive/t/batch_002.jsonl.gz", w.LastKey)
	assert.Equal(t, int64(3), w.ArchivesRestored)
}

func TestManifestCommitIdempotent(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	ms := NewManifestStore(store, keys)

	entry := model.ManifestEntry{
		Fingerprint: "fp-1", Key: "archive/x", Ordinal: 1,
		RecordCount: 500, MaxPK: "500",
	}
	require.NoError(t, ms.Commit(ctx, testTarget, entry))
	require.NoError(t, ms.Commit(ctx, testTarget, entry))

	m, _, err := ms.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Len(t, m.Entries, 1)

	_, ok, err := ms.HasFingerprint(ctx, testTarget, "fp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = ms.HasFingerprint(ctx, testTarget, "fp-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifestMergePreservesConcurrentEntries(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	a := NewManifestStore(store, keys)
	b := NewManifestStore(store, keys)

	require.NoError(t, a.Commit(ctx, testTarget, model.ManifestEntry{Fingerprint: "fp-a", Ordinal: 1}))
	require.NoError(t, b.Commit(ctx, testTarget, model.ManifestEntry{Fingerprint: "fp-b", Ordinal: 2}))

	m, _, err := a.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Len(t, m.Entries, 2)
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	cs := NewCheckpointStore(store, keys, 10)

	cp, err := cs.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Nil(t, cp)

	saved := &model.Checkpoint{
		RunID: "run-1", Database: "trading", Schema: "public", Table: "orders_audit",
		BatchOrdinal: 20,
		Fingerprints: []string{"fp-1", "fp-2"},
	}
	require.NoError(t, cs.Save(ctx, testTarget, saved))

	cp, err = cs.Load(ctx, testTarget)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 20, cp.BatchOrdinal)

	require.NoError(t, cs.Clear(ctx, testTarget))
	cp, err = cs.Load(ctx, testTarget)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointRecordMultipart(t *testing.T) {
	ctx := context.Background()
	store, keys := newFixtures()
	cs := NewCheckpointStore(store, keys, 10)

	// 首片开始前: 意图状态落盘, ETag 未知
	st := model.MultipartUploadState{
		Key: "archive/trading/public/orders_audit/x.jsonl.gz", UploadID: "up-1",
		Parts: []model.PartState{{Number: 1, Size: 5 << 20}},
	}
	require.NoError(t, cs.RecordMultipart(ctx, testTarget, st))

	cp, err := cs.Load(ctx, testTarget)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Len(t, cp.Multipart, 1)
	assert.Empty(t, cp.Multipart[0].Parts[0].ETag)

	// 分片完成后同一上传的记录被更新而非追加
	st.Parts[0].ETag = "etag-1"
	st.Parts = append(st.Parts, model.PartState{Number: 2, Size: 1 << 20})
	require.NoError(t, cs.RecordMultipart(ctx, testTarget, st))

	cp, err = cs.Load(ctx, testTarget)
	require.NoError(t, err)
	require.Len(t, cp.Multipart, 1)
	require.Len(t, cp.Multipart[0].Parts, 2)
	assert.Equal(t, "etag-1", cp.Multipart[0].Parts[0].ETag)
}

func TestCheckpointDue(t *testing.T) {
	cs := NewCheckpointStore(nil, objstore.Keys{}, 10)
	assert.False(t, cs.Due(0))
	assert.False(t, cs.Due(5))
	assert.True(t, cs.Due(10))
	assert.True(t, cs.Due(20))
}
